package shelly

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type Relay struct {
	Client *http.Client
	Addr   string
	Number int
}

func (r Relay) url() url.URL {
	return url.URL{
		Scheme: "http",
		Host:   r.Addr,
		Path:   fmt.Sprintf("/relay/%v", r.Number),
	}
}

func (r Relay) Set(ctx context.Context, state bool) error {
	u := r.url()
	if state {
		u.RawQuery = "turn=on"
	} else {
		u.RawQuery = "turn=off"
	}
	return getJSON(ctx, r.Client, u, nil)
}

func (r Relay) Get(ctx context.Context) (bool, error) {
	doc := struct {
		Ison bool `json:"ison"`
	}{}
	if err := getJSON(ctx, r.Client, r.url(), &doc); err != nil {
		return false, err
	}
	return doc.Ison, nil
}
