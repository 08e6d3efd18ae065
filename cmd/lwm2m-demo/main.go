// Command lwm2m-demo wires a device-role session and a server-role
// session together over internal/transport/inmem and drives them
// through registration and a single Read, entirely in-process. It
// exists to exercise the full stack end to end without depending on any
// real socket or CoAP server implementation; the socket layer is
// deliberately left to the host.
package main

import (
	"context"
	"log"
	"time"

	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/registration"
	"github.com/openlwm2m/core/internal/session"
	"github.com/openlwm2m/core/internal/transport"
	"github.com/openlwm2m/core/internal/transport/inmem"
	"github.com/openlwm2m/core/pkg/logging"
)

func main() {
	reg := buildDemoRegistry()

	devicePort, serverPort := inmem.NewPair("device", "server")

	deviceLogger := logging.New("lwm2m-demo-device", "info", "text")
	serverLogger := logging.New("lwm2m-demo-server", "info", "text")

	deviceSession := session.New(session.Config{
		Role:     session.RoleDevice,
		Port:     devicePort,
		Logger:   deviceLogger,
		Registry: reg,
		Registration: &registration.Config{
			Endpoint:   "urn:dev:demo-001",
			ServerURI:  "server",
			Lifetime:   86400,
			Binding:    "U",
			MaxRetries: 3,
		},
	})
	seedDeviceObject(deviceSession)
	deviceSession.Registration.Start()

	serverSession := session.New(session.Config{
		Role:     session.RoleServer,
		Port:     serverPort,
		Logger:   serverLogger,
		Registry: registry.New(),
	})

	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		now = now.Add(100 * time.Millisecond)
		if err := deviceSession.Process(ctx, now); err != nil {
			log.Fatalf("device process: %v", err)
		}
		if err := serverSession.Process(ctx, now); err != nil {
			log.Fatalf("server process: %v", err)
		}
	}

	log.Printf("device registration state: %s", deviceSession.Registration.State())
	for _, c := range serverSession.ClientRegistry.All() {
		log.Printf("server sees client %q at %s (lifetime=%ds)", c.Endpoint, c.Location, c.Lifetime)
	}

	devicePort.Deliver(&transport.Request{
		Peer:   "server",
		Method: codes.GET,
		Path:   "/3/0/0",
	})
	if err := deviceSession.Process(ctx, now); err != nil {
		log.Fatalf("device process read: %v", err)
	}
}

func buildDemoRegistry() *registry.Registry {
	reg := registry.New()
	if err := reg.RegisterObject("Device", 3, 0, 1); err != nil {
		log.Fatalf("register object: %v", err)
	}
	if err := reg.RegisterResource(3, 0, "Manufacturer", model.TypeString, 0, 1, model.Operations(model.OpRead), nil); err != nil {
		log.Fatalf("register resource: %v", err)
	}
	return reg
}

func seedDeviceObject(s *session.Session) {
	if _, err := s.Store.CreateObjectInstance(model.OriginBootstrap, 3, nil); err != nil {
		log.Fatalf("create instance: %v", err)
	}
	if _, err := s.Store.SetResourceInstance(model.OriginBootstrap, 3, 0, 0, 0, []byte("Acme Sensors")); err != nil {
		log.Fatalf("set resource: %v", err)
	}
}
