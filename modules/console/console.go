// Package console is the presentation stand-in: it drains the controller's
// update queue and renders every event through the structured log, so a
// headless deployment still shows what the tuner is doing.
package console

import (
	"context"
	"log/slog"
	"strings"

	"github.com/grafana/dskit/services"

	"github.com/zachfi/fmdx/pkg/fmdx"
)

var module = "console"

// Console consumes the update queue until the terminal Closed event.
type Console struct {
	services.Service

	cfg    *Config
	logger *slog.Logger

	updates *fmdx.UpdateQueue

	lastStation string
	lastText    string
}

func New(cfg Config, logger slog.Logger, updates *fmdx.UpdateQueue) (*Console, error) {
	k := &Console{
		cfg:     &cfg,
		logger:  logger.With("module", module),
		updates: updates,
	}
	k.Service = services.NewBasicService(nil, k.running, nil)
	return k, nil
}

func (k *Console) running(ctx context.Context) error {
	for {
		u, err := k.updates.Pop(ctx)
		if err != nil {
			return nil
		}
		switch u.Kind {
		case fmdx.UpdateData:
			k.renderRecord(u.Record)
		case fmdx.UpdateStatus:
			k.logger.Info("status", "msg", u.Text)
		case fmdx.UpdateStreamStatus:
			k.logger.Info("stream", "msg", u.Text)
		case fmdx.UpdateCurrentFrequency:
			k.logger.Info("tuned", "freq", fmdx.FormatKHz(u.FreqKHz))
		case fmdx.UpdateError:
			k.logger.Warn("error", "msg", u.Text)
		case fmdx.UpdateClosed:
			k.logger.Info("closed")
			return nil
		}
	}
}

// renderRecord logs one RDS record. Records arrive continuously, so unless
// configured otherwise only station or radiotext changes are logged.
func (k *Console) renderRecord(rec *fmdx.Record) {
	if rec == nil {
		return
	}

	station := rec.Station()
	text := radiotext(rec)

	if !k.cfg.AllRecords && station == k.lastStation && text == k.lastText {
		return
	}
	k.lastStation = station
	k.lastText = text

	args := []any{
		"freq", rec.Freq,
		"pi", rec.PI,
		"ps", station,
		"sig", float64(rec.Signal),
		"users", int(rec.Users),
	}
	if text != "" {
		args = append(args, "rt", text)
	}
	if rec.TxInfo.Name != "" {
		args = append(args, "tx", rec.TxInfo.Name, "itu", rec.TxInfo.ITU)
	}
	k.logger.Info("record", args...)
}

// radiotext joins the two RT lines, skipping blanks.
func radiotext(rec *fmdx.Record) string {
	a := strings.TrimSpace(rec.RT0)
	b := strings.TrimSpace(rec.RT1)
	switch {
	case a != "" && b != "":
		return a + " / " + b
	case a != "":
		return a
	default:
		return b
	}
}
