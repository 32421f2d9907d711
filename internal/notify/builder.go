package notify

// Options holds the notifier settings from the bridge configuration.
// Event lists restrict a sink to specific event types; empty means all.
type Options struct {
	WebhookURL     string
	WebhookHeaders map[string]string
	WebhookEvents  []string

	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int
	MQTTEvents   []string
}

// Build assembles the notifier chain. The log notifier always runs;
// webhook and MQTT join when their endpoint is configured.
func Build(log Logger, opts Options) *Multi {
	notifiers := []Notifier{NewLogNotifier(log)}
	if opts.WebhookURL != "" {
		notifiers = append(notifiers, withFilter(
			NewWebhook(opts.WebhookURL, opts.WebhookHeaders), opts.WebhookEvents))
	}
	if opts.MQTTBroker != "" {
		notifiers = append(notifiers, withFilter(
			NewMQTT(opts.MQTTBroker, opts.MQTTTopic, opts.MQTTClientID,
				opts.MQTTUsername, opts.MQTTPassword, opts.MQTTQoS), opts.MQTTEvents))
	}
	return NewMulti(log, notifiers...)
}

func withFilter(n Notifier, types []string) Notifier {
	if len(types) == 0 {
		return n
	}
	return newFilteredNotifier(n, types)
}
