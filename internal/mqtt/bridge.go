//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"madoka-go-home/internal/ble"
	"madoka-go-home/internal/controller"
	"madoka-go-home/internal/feature"
)

// Default topics.
const (
	DefaultRootTopic    = "/madoka"
	DefaultFriendlyName = "Madoka friendly name"
)

// Topic suffixes under the device topic.
const (
	topicOperationMode = "operation_mode"
	topicPowerState    = "power_state"
	topicFanSpeed      = "fan_speed"
	topicSetPoint      = "set_point"
	topicAvailable     = "available"
	topicState         = "state/get"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	RootTopic      string
	RootTopicOnly  bool
	DiscoveryTopic string
	FriendlyName   string
}

// Unit is the part of the controller the bridge drives.
type Unit interface {
	Address() string
	Status() controller.Status
	State() ble.State
	Events() *controller.EventBus
	Feature(name string) (feature.Feature, bool)
	ReadInfo(ctx context.Context) (map[string]string, error)
}

// publisher is the subset of the paho client used for outgoing messages.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Bridge connects the unit to MQTT with HA autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	pub      publisher
	unit     Unit
	cfg      Config
	topic    string
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
	commands sync.WaitGroup

	mu        sync.Mutex
	available *bool
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(unit Unit, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(unit, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(b.cfg.Broker).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic+"/"+topicAvailable, "0", 1, true).
		SetOnConnectHandler(func(c pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishDiscovery()
			b.forgetAvailability()
			b.publishAvailable(b.unit.State().Connected())
			if st := b.unit.Status(); !st.Empty() {
				b.publishState(st)
			}
			b.subscribeCommands(c)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	b.pub = client
	return b, nil
}

func newBridge(unit Unit, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.RootTopic == "" {
		cfg.RootTopic = DefaultRootTopic
	}
	if cfg.FriendlyName == "" {
		cfg.FriendlyName = DefaultFriendlyName
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "madoka_mqtt_" + unit.Address()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		unit:   unit,
		cfg:    cfg,
		topic:  deviceTopic(cfg.RootTopic, cfg.RootTopicOnly, unit.Address()),
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// DeviceTopic returns the topic root of the unit.
func (b *Bridge) DeviceTopic() string { return b.topic }

// Start subscribes to controller events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.unit.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "topic", b.topic)
}

// Stop publishes the unit as unavailable, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.commands.Wait()
	b.publishAvailable(false)
	if b.client != nil {
		b.client.Disconnect(1000)
	}
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event controller.Event) {
	switch event.Type {
	case controller.EventStatusUpdate:
		st, ok := event.Data.(controller.Status)
		if !ok {
			return
		}
		b.publishAvailable(true)
		b.publishState(st)
	case controller.EventFeatureUpdate:
		b.publishState(b.unit.Status())
	case controller.EventStateChange:
		if s, _ := event.Data.(string); s == ble.Disconnected.String() {
			b.publishAvailable(false)
		}
	case controller.EventExchangeError:
		if e, ok := event.Data.(controller.ExchangeError); ok && e.Kind == controller.KindUnreachable.String() {
			b.publishAvailable(false)
		}
	}
}

func (b *Bridge) publishState(st controller.Status) {
	b.publish(b.topic+"/"+topicState, mustJSON(st.Map()), true)
}

// publishAvailable only publishes transitions.
func (b *Bridge) publishAvailable(up bool) {
	b.mu.Lock()
	if b.available != nil && *b.available == up {
		b.mu.Unlock()
		return
	}
	b.available = &up
	b.mu.Unlock()

	payload := "0"
	if up {
		payload = "1"
	}
	b.publish(b.topic+"/"+topicAvailable, []byte(payload), true)
}

// forgetAvailability makes the next publishAvailable go out, e.g. after a
// broker reconnect replayed the will.
func (b *Bridge) forgetAvailability() {
	b.mu.Lock()
	b.available = nil
	b.mu.Unlock()
}

func (b *Bridge) publishDiscovery() {
	if b.cfg.DiscoveryTopic == "" {
		return
	}
	ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
	defer cancel()
	info, err := b.unit.ReadInfo(ctx)
	if err != nil {
		b.logger.Warn("device info unavailable for discovery", "err", err)
	}
	for _, msg := range buildDiscovery(b.cfg.DiscoveryTopic, b.topic, b.unit.Address(), b.cfg.FriendlyName, info) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "name", b.cfg.FriendlyName)
}

// RemoveDiscovery clears the retained discovery entities.
func (b *Bridge) RemoveDiscovery() {
	for _, msg := range buildRemoveDiscovery(b.cfg.DiscoveryTopic, b.topic, b.unit.Address()) {
		b.publish(msg.Topic, msg.Payload, true)
	}
}

func (b *Bridge) subscribeCommands(c pahomqtt.Client) {
	for _, suffix := range []string{topicOperationMode, topicPowerState, topicFanSpeed, topicSetPoint} {
		topic := b.topic + "/" + suffix + "/set"
		suffix := suffix
		c.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
			payload := append([]byte(nil), msg.Payload()...)
			b.commands.Add(1)
			go func() {
				defer b.commands.Done()
				b.handleCommand(suffix, payload)
			}()
		})
	}
}

// handleCommand applies one /set message. Confirmation can take seconds, so
// it runs off the paho callback goroutine.
func (b *Bridge) handleCommand(suffix string, payload []byte) {
	ctx, cancel := context.WithTimeout(b.ctx, time.Minute)
	defer cancel()

	value := strings.TrimSpace(string(payload))
	var err error
	switch suffix {
	case topicOperationMode:
		err = b.setOperationMode(ctx, value)
	case topicPowerState:
		err = b.setPower(ctx, strings.EqualFold(value, "ON"))
	case topicFanSpeed:
		err = b.setFanSpeed(ctx, value)
	case topicSetPoint:
		err = b.setSetPoint(ctx, value)
	default:
		return
	}
	if err != nil {
		b.logger.Warn("command failed", "topic", suffix, "payload", value, "err", err)
	}
}

// setOperationMode turns the unit off for OFF, else sets the mode and
// powers the unit on.
func (b *Bridge) setOperationMode(ctx context.Context, value string) error {
	if strings.EqualFold(value, "OFF") {
		return b.setPower(ctx, false)
	}
	mode, err := feature.ParseMode(value)
	if err != nil {
		return err
	}
	if err := b.update(ctx, feature.NameOperationMode, feature.OperationMode{Mode: mode}); err != nil {
		return err
	}
	return b.setPower(ctx, true)
}

func (b *Bridge) setPower(ctx context.Context, on bool) error {
	return b.update(ctx, feature.NamePowerState, feature.PowerState{TurnOn: on})
}

func (b *Bridge) setFanSpeed(ctx context.Context, value string) error {
	speed, err := feature.ParseSpeed(value)
	if err != nil {
		return err
	}
	st := b.unit.Status()
	fs := feature.FanSpeed{Cooling: speed, Heating: speed}
	if st.FanSpeed != nil {
		fs = *st.FanSpeed
	}
	cool, heat := sides(st)
	if cool {
		fs.Cooling = speed
	}
	if heat {
		fs.Heating = speed
	}
	return b.update(ctx, feature.NameFanSpeed, fs)
}

func (b *Bridge) setSetPoint(ctx context.Context, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("set point %q: %w", value, err)
	}
	target := int(math.Round(f))
	st := b.unit.Status()
	sp := feature.SetPoint{Cooling: target, Heating: target}
	if st.SetPoint != nil {
		sp = *st.SetPoint
	}
	cool, heat := sides(st)
	if cool {
		sp.Cooling = target
	}
	if heat {
		sp.Heating = target
	}
	return b.update(ctx, feature.NameSetPoint, sp)
}

// sides reports which of the cooling/heating values a single HA value maps
// to under the current mode: HEAT heating, COOL cooling, anything else both.
func sides(st controller.Status) (cool, heat bool) {
	if st.OperationMode == nil {
		return true, true
	}
	switch st.OperationMode.Mode {
	case feature.ModeHeat:
		return false, true
	case feature.ModeCool:
		return true, false
	}
	return true, true
}

func (b *Bridge) update(ctx context.Context, name string, v any) error {
	f, ok := b.unit.Feature(name)
	if !ok {
		return fmt.Errorf("unknown feature %s", name)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.UpdateJSON(ctx, data)
	return err
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	if b.pub == nil {
		return
	}
	token := b.pub.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
