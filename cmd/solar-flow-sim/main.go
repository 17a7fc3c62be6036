// package main implements a plant simulator: a Shelly 3EM whose grid power
// follows the inverter setpoint written by solar-flow over MQTT.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

var (
	flagListenAddr = flag.String("l", "0.0.0.0:8082", "Address (host:port) to listen on")
	flagBroker     = flag.String("broker", "tcp://localhost:1883", "MQTT broker")
	flagTopic      = flag.String("topic", "solar-flow/number/inverter_limit/set", "Topic of the inverter setpoint")
	flagStateTopic = flag.String("stateTopic", "homeassistant/statestream/sensor/grid_power/state",
		"Topic to publish the grid power to, empty to disable")
	flagLoad = flag.Float64("load", 800, "Initial house load in watt")
	flagTau  = flag.Duration("tau", 5*time.Second, "Time constant of the inverter")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	p := newPlant(*flagLoad, *flagTau, timemock.Now())

	server := http.Server{
		Addr: *flagListenAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			err := json.NewEncoder(w).Encode(p.Status(timemock.Now()))
			if err != nil {
				log.Error().Err(err).Msg("failed to encode json response")
			}
		}),
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGINT)
	defer cancel()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	opts := mqtt.NewClientOptions().AddBroker(*flagBroker).SetClientID("solar-flow-sim")
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		c.Subscribe(*flagTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
			v, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
			if err != nil {
				log.Error().Err(err).Bytes("payload", msg.Payload()).Msg("invalid setpoint")
				return
			}
			log.Info().Float64("setpoint", v).Msg("inverter setpoint")
			p.SetSetpoint(v)
		})
	})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatal().Err(token.Error()).Str("broker", *flagBroker).Msg("mqtt connect failed")
	}
	defer client.Disconnect(250)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		_ = server.Shutdown(context.Background())
	}()

	if *flagStateTopic != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-timemock.After(time.Second):
				}
				v := p.GridPower(timemock.Now())
				client.Publish(*flagStateTopic, 0, false, strconv.FormatFloat(v, 'f', 1, 64))
			}
		}()
	}

	reader := bufio.NewReader(os.Stdin)
	for ctx.Err() == nil {
		fmt.Printf("Load=> ")
		l, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			log.Info().Msg("shutdown")
			cancel()
			break
		}
		if err != nil {
			log.Error().Err(err).Msg("failed to read line")
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(l), 64)
		if err != nil {
			log.Error().Err(err).Msg("failed to parse line")
			continue
		}
		p.SetLoad(value)
	}

	wg.Wait()
}
