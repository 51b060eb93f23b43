// Package alert notifies operators when a batch halts.
package alert

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
)

// Alert is one notification. Subjects follow "DB loading issue, <step>".
type Alert struct {
	Subject string
	Message string
}

// StepFailed builds the alert sent when a loading step fails.
func StepFailed(step string, message string) Alert {
	return Alert{Subject: "DB loading issue, " + step, Message: message}
}

// ConnectionFailed builds the alert sent when the database cannot be reached.
func ConnectionFailed(host string, err error) Alert {
	return Alert{
		Subject: host + " connection error",
		Message: fmt.Sprintf("Could not connect to database host %s, no report was loaded: %s", host, err),
	}
}

type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Dispatcher delivers every alert to all of its sinks. A failing sink does not stop delivery to
// the others.
type Dispatcher struct {
	sinks []Sink
}

func NewDispatcher(sinks ...Sink) *Dispatcher {
	return &Dispatcher{sinks: sinks}
}

// NewDispatcherFromConfig enables the configured sinks. The log sink is always enabled when no
// other sink is, so that an alert is never silently dropped.
func NewDispatcherFromConfig(config configuration.AlertsConfig) *Dispatcher {
	var sinks []Sink
	if config.Smtp.Address != "" {
		sinks = append(sinks, NewSmtpSink(config.Smtp))
	}
	if config.Webhook.Url != "" {
		sinks = append(sinks, NewWebhookSink(config.Webhook))
	}
	if config.Log || len(sinks) == 0 {
		sinks = append(sinks, LogSink{})
	}
	return NewDispatcher(sinks...)
}

// Send returns the combined delivery errors of all sinks.
func (d *Dispatcher) Send(ctx context.Context, alert Alert) error {
	var result *multierror.Error
	for _, sink := range d.sinks {
		if err := sink.Send(ctx, alert); err != nil {
			result = multierror.Append(result, errors.WithMessage(err, sink.Name()))
		}
	}
	return result.ErrorOrNil()
}

// Notify is Send for callers that cannot act on a delivery failure: failures are logged.
func (d *Dispatcher) Notify(ctx context.Context, alert Alert) {
	if err := d.Send(ctx, alert); err != nil {
		log.WithError(err).Errorf("Could not deliver alert %q", alert.Subject)
	}
}

// LogSink writes alerts to the log at error level.
type LogSink struct{}

func (LogSink) Name() string {
	return "log"
}

func (LogSink) Send(_ context.Context, alert Alert) error {
	log.WithField("subject", alert.Subject).Error(alert.Message)
	return nil
}
