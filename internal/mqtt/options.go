package mqtt

import (
	"time"

	"templatehumidifier/internal/config"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	defaultConnectTimeout = 10 * time.Second
	publishTimeout        = 5 * time.Second
	disconnectQuiesce     = 1000 // milliseconds
	keepAlive             = 60 * time.Second
	maxReconnectInterval  = 60 * time.Second
)

// Availability payloads
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Second)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetConnectTimeout(connectTimeout(cfg))
	opts.SetKeepAlive(keepAlive)

	// Handlers may run scripts with delays; don't let one block the router.
	opts.SetOrderMatters(false)

	opts.SetWill(StatusTopic(cfg), PayloadOffline, cfg.QoS, true)
	return opts
}

func connectTimeout(cfg config.MQTTConfig) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return time.Duration(cfg.ConnectTimeout) * time.Second
	}
	return defaultConnectTimeout
}
