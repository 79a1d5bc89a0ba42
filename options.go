// Package waengine is the root of the connection/messaging engine:
// wiring transport, signal crypto, auth, routing and event dispatch into
// a single Client the way the teacher's toxcore.go wires its own
// subsystems behind one New/Options/SaveData surface (spec.md component
// I, the connection supervisor).
package waengine

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Kunboruto20/borutowaileys-library/receiver"
	"github.com/Kunboruto20/borutowaileys-library/transport"
)

// Options configures a Client, mirroring the teacher's
// Options/NewOptions constructor convention (toxcore.go).
type Options struct {
	// WebsocketURL is the multi-device endpoint to dial; defaults to
	// transport.DefaultURL.
	WebsocketURL string
	// Platform/Device/AppVersion populate the ClientPayload UserAgent
	// (spec.md §4.E).
	Platform   string
	Device     string
	AppVersion string

	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration

	Receiver *receiver.Options

	Logger *logrus.Logger
}

// NewOptions returns spec.md-default Options.
func NewOptions() *Options {
	return &Options{
		WebsocketURL:        transport.DefaultURL,
		Platform:            "web",
		Device:              "Desktop",
		AppVersion:          "2.24.0",
		ReconnectMinBackoff: 1 * time.Second,
		ReconnectMaxBackoff: 2 * time.Minute,
		Receiver:            receiver.NewOptions(),
	}
}
