// solar-flow runs PID controllers that drive a Home Assistant number entity
// from a process value and a setpoint, optionally limited by the grid power
// measured with a Shelly meter.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yvesf/solar-flow-ctrl/cmd"
	"github.com/yvesf/solar-flow-ctrl/consumer"
	"github.com/yvesf/solar-flow-ctrl/gpio"
	"github.com/yvesf/solar-flow-ctrl/pkg/config"
	"github.com/yvesf/solar-flow-ctrl/pkg/control"
	"github.com/yvesf/solar-flow-ctrl/pkg/hass"
	"github.com/yvesf/solar-flow-ctrl/pkg/shelly"
	"github.com/yvesf/solar-flow-ctrl/pkg/timemock"
)

var flagConfig = flag.String("config", "", "Configuration file, default solar-flow.yaml in . or /etc/solar-flow")

const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	httpClient := &http.Client{}
	var gpioLines []*gpio.Switch
	consumers := consumer.NewList(gpio.Resolver(consumer.ShellyResolver(httpClient), &gpioLines))
	flag.Var(consumers, "consumer", "Additional consumer <watt>,<delay>,<shelly1://host|gpio://chip/line>, can be repeated")
	mux := cmd.CommonInit(ctx)

	v := config.New(*flagConfig)
	file, err := config.Load(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	store := config.NewStore(file)
	if len(store.Names()) == 0 {
		log.Warn().Msg("no controllers configured")
	}

	mqttClient := hass.New(file.MQTT)
	{
		connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
		if err := mqttClient.Connect(connectCtx); err != nil {
			log.Warn().Err(err).Msg("mqtt not connected yet, retrying in background")
		}
		connectCancel()
	}
	defer mqttClient.Disconnect()

	var wg sync.WaitGroup
	sensors := shelly.Sensors{}
	for _, m := range file.Meters {
		meter, err := shelly.NewMeter(m.Type, m.Address, httpClient)
		if err != nil {
			log.Fatal().Err(err).Str("meter", m.Name).Msg("invalid meter")
		}
		p := shelly.NewPoller(m.Name, meter, m.Interval)
		sensors.Add(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Run(ctx); err != nil {
				log.Error().Err(err).Str("meter", p.Name()).Msg("meter poller failed")
			}
		}()
	}

	reader := control.NewSensorMux(mqttClient.States())
	reader.Handle("shelly", sensors)
	writer := mqttClient.Writer()

	states := hass.NewStatePublisher(mqttClient.Publisher(), file.MQTT.CommandPrefix)
	cs := newControllers(ctx, store, reader, writer, func(ctx context.Context, name string, st control.FlowState) {
		if err := states.Publish(ctx, name, st); err != nil {
			log.Debug().Err(err).Str("controller", name).Msg("failed to publish state")
		}
	})

	commands := hass.NewCommands(file.MQTT.CommandPrefix, cs.lookup, store.SetRuntimeMode)
	for _, name := range store.Names() {
		mqttClient.Handle(commands.Topic(name), commands.HandleMessage)
		if file.MQTT.DiscoveryPrefix != "" {
			if err := hass.PublishDiscovery(ctx, mqttClient.Publisher(), file.MQTT.DiscoveryPrefix, name, states.Topic(name)); err != nil {
				log.Warn().Err(err).Str("controller", name).Msg("failed to publish discovery")
			}
		}
	}
	store.Watch(v, func(ch config.Change) {
		cs.apply(ch)
		if !ch.Removed {
			mqttClient.Handle(commands.Topic(ch.Name), commands.HandleMessage)
		}
	})

	mux.Handle("/status", statusHandler(cs.diagnostics))

	consumers.SetResolver(writer.Resolver(gpio.Resolver(consumer.ShellyResolver(httpClient), &gpioLines)))
	for _, c := range file.Consumers {
		if err := consumers.Add(c); err != nil {
			log.Fatal().Err(err).Msg("invalid consumer")
		}
	}
	if consumers.Len() > 0 {
		if file.ConsumerGridEntity == "" {
			log.Fatal().Msg("consumers need consumer_grid_entity")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runConsumers(ctx, consumers, reader, file.ConsumerGridEntity, file.ConsumerInterval)
		}()
	}

	<-ctx.Done()
	log.Info().Msg("shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := cs.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to reset outputs")
	}
	wg.Wait()
	if consumers.Len() > 0 {
		if err := consumers.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("failed to switch off consumers")
		}
	}
	for _, l := range gpioLines {
		_ = l.Close()
	}
	log.Info().Msg("solar-flow finished")
}

// runConsumers offers the grid power to the consumers every interval.
func runConsumers(ctx context.Context, l *consumer.List, reader control.SensorReader, entityID string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timemock.After(interval):
		}
		grid, ok := reader.Read(ctx, entityID)
		if !ok {
			log.Debug().Str("entity", entityID).Msg("no grid power for consumers")
			continue
		}
		if err := l.Offer(ctx, grid); err != nil {
			log.Error().Err(err).Msg("consumer update failed")
		}
	}
}
