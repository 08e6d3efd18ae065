package dispatch

import (
	"context"
	"testing"

	"github.com/plgd-dev/go-coap/v2/message"
	"github.com/plgd-dev/go-coap/v2/message/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlwm2m/core/internal/attrs"
	"github.com/openlwm2m/core/internal/codec"
	codecopaque "github.com/openlwm2m/core/internal/codec/opaque"
	codecsenml "github.com/openlwm2m/core/internal/codec/senml"
	codectext "github.com/openlwm2m/core/internal/codec/text"
	codectlv "github.com/openlwm2m/core/internal/codec/tlv"
	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/registry"
	"github.com/openlwm2m/core/internal/model/store"
	"github.com/openlwm2m/core/internal/notify"
	"github.com/openlwm2m/core/internal/transport"
)

type notification struct {
	handle  transport.ObserveHandle
	seq     uint32
	cf      message.MediaType
	payload []byte
}

type fakePort struct {
	notifications []notification
	subscriptions int
}

func (p *fakePort) Receive(ctx context.Context) (*transport.Request, bool, error) {
	return nil, false, nil
}

func (p *fakePort) Send(ctx context.Context, peer string, resp *transport.Response) (uint16, error) {
	return 0, nil
}

func (p *fakePort) AddObserveSubscription(ctx context.Context, peer string, token []byte, path string) (transport.ObserveHandle, error) {
	p.subscriptions++
	return transport.ObserveHandle(path), nil
}

func (p *fakePort) EmitNotification(ctx context.Context, handle transport.ObserveHandle, seq uint32, cf message.MediaType, payload []byte) error {
	p.notifications = append(p.notifications, notification{handle: handle, seq: seq, cf: cf, payload: payload})
	return nil
}

type fixture struct {
	reg   *registry.Registry
	store *store.Store
	disp  *Dispatcher
	attrs *attrs.Store
	obs   *attrs.ObserverSet
	port  *fakePort
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New()
	require.NoError(t, reg.RegisterObject("Device", 3, 1, 1))
	require.NoError(t, reg.RegisterResource(3, 0, "Manufacturer", model.TypeString, 0, 1, model.ParseOperations("R"), nil))
	require.NoError(t, reg.RegisterResource(3, 1, "Model Number", model.TypeString, 0, 1, model.ParseOperations("R"), nil))
	require.NoError(t, reg.RegisterResource(3, 4, "Reboot", model.TypeNone, 0, 1, model.ParseOperations("E"), nil))
	require.NoError(t, reg.RegisterResource(3, 15, "Timezone", model.TypeString, 0, 1, model.ParseOperations("RW"), nil))
	require.NoError(t, reg.RegisterObject("Test", 9999, 0, 10))
	require.NoError(t, reg.RegisterResource(9999, 1, "Counter", model.TypeInteger, 0, 1, model.ParseOperations("RW"), nil))
	require.NoError(t, reg.RegisterObject("Readings", 10000, 0, 10))
	require.NoError(t, reg.RegisterResource(10000, 2, "Sample", model.TypeInteger, 0, 1, model.ParseOperations("RW"), nil))

	st := store.New(reg)
	codecs := codec.NewRegistry()
	codecs.Register(codectlv.New())
	codecs.Register(codecsenml.New())
	codecs.Register(codectext.New())
	codecs.Register(codecopaque.New())

	attrStore := attrs.NewStore(attrs.Attributes{})
	observer := attrs.NewObserverSet()
	port := &fakePort{}
	engine := notify.New(observer, codecs, reg, st, port, nil)
	disp := New(reg, st, codecs, attrStore, observer, engine, port, nil)

	f := &fixture{reg: reg, store: st, disp: disp, attrs: attrStore, obs: observer, port: port}

	iid := uint16(0)
	_, err := st.CreateObjectInstance(model.OriginBootstrap, 3, &iid)
	require.NoError(t, err)
	_, err = st.SetResourceInstance(model.OriginBootstrap, 3, 0, 0, 0, []byte("Open Mobile Alliance"))
	require.NoError(t, err)
	_, err = st.SetResourceInstance(model.OriginBootstrap, 3, 0, 1, 0, []byte("Lightweight M2M Client"))
	require.NoError(t, err)
	_, err = st.SetResourceInstance(model.OriginBootstrap, 3, 0, 15, 0, []byte("UTC"))
	require.NoError(t, err)
	return f
}

func (f *fixture) handle(t *testing.T, req *transport.Request) *transport.Response {
	t.Helper()
	return f.disp.Handle(context.Background(), model.OriginServer, req)
}

func TestReadManufacturerAsPlainText(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method:    codes.GET,
		Path:      "/3/0/0",
		HasAccept: true,
		Accept:    message.MediaType(codec.FormatText),
	})

	assert.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, []byte("Open Mobile Alliance"), resp.Payload)
	assert.Len(t, resp.Payload, 20)
}

func TestWriteTimezoneNotifiesObserver(t *testing.T) {
	f := newFixture(t)

	observe := f.handle(t, &transport.Request{
		Method:     codes.GET,
		Path:       "/3/0/15",
		Peer:       "server",
		Token:      []byte{0x01},
		HasObserve: true,
		Observe:    true,
		HasAccept:  true,
		Accept:     message.MediaType(codec.FormatText),
	})
	require.Equal(t, codes.Content, observe.Code)
	assert.Equal(t, []byte("UTC"), observe.Payload)
	assert.Equal(t, 1, f.port.subscriptions)

	write := f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/3/0/15",
		ContentFormat: message.MediaType(codec.FormatText),
		Payload:       []byte("Pacific/Auckland"),
	})
	require.Equal(t, codes.Changed, write.Code)

	require.Len(t, f.port.notifications, 1)
	assert.Equal(t, []byte("Pacific/Auckland"), f.port.notifications[0].payload)

	// An identical second write does not change the value, so no second
	// notification fires.
	write = f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/3/0/15",
		ContentFormat: message.MediaType(codec.FormatText),
		Payload:       []byte("Pacific/Auckland"),
	})
	require.Equal(t, codes.Changed, write.Code)
	assert.Len(t, f.port.notifications, 1)
}

func TestCreateViaTLVThenReadBack(t *testing.T) {
	f := newFixture(t)

	created := f.handle(t, &transport.Request{
		Method:        codes.POST,
		Path:          "/9999",
		ContentFormat: message.MediaType(codec.FormatTLV),
		Payload:       []byte{0x08, 0x00, 0x03, 0xC1, 0x01, 0x05},
	})
	require.Equal(t, codes.Created, created.Code)
	assert.Equal(t, "/9999/0", created.LocationPath)

	read := f.handle(t, &transport.Request{
		Method:    codes.GET,
		Path:      "/9999/0/1",
		HasAccept: true,
		Accept:    message.MediaType(codec.FormatTLV),
	})
	require.Equal(t, codes.Content, read.Code)
	assert.Equal(t, []byte{0xC1, 0x01, 0x05}, read.Payload)
}

func TestDiscoverListsInstanceAndResources(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method:    codes.GET,
		Path:      "/3",
		HasAccept: true,
		Accept:    message.MediaType(codec.FormatLinkFormat),
	})

	require.Equal(t, codes.Content, resp.Code)
	body := string(resp.Payload)
	assert.Contains(t, body, "</3/0>")
	assert.Contains(t, body, "</3/0/0>")
	assert.Contains(t, body, "</3/0/1>")
}

func TestDiscoverRendersResourceAttributes(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, &transport.Request{Method: codes.PUT, Path: "/3/0/15", Query: "pmin=5&pmax=60"})
	require.Equal(t, codes.Changed, resp.Code)

	resp = f.handle(t, &transport.Request{
		Method:    codes.GET,
		Path:      "/3/0/15",
		HasAccept: true,
		Accept:    message.MediaType(codec.FormatLinkFormat),
	})
	require.Equal(t, codes.Content, resp.Code)
	assert.Equal(t, "</3/0/15>;pmin=5;pmax=60", string(resp.Payload))
}

func TestJSONWriteThenReadBack(t *testing.T) {
	f := newFixture(t)

	iid := uint16(0)
	_, err := f.store.CreateObjectInstance(model.OriginBootstrap, 10000, &iid)
	require.NoError(t, err)

	write := f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/10000/0/2",
		ContentFormat: message.MediaType(codec.FormatJSON),
		Payload:       []byte(`{"bn":"/10000/0/","e":[{"n":"2","v":123456789}]}`),
	})
	require.Equal(t, codes.Changed, write.Code)

	read := f.handle(t, &transport.Request{
		Method:    codes.GET,
		Path:      "/10000/0/2",
		HasAccept: true,
		Accept:    message.MediaType(codec.FormatJSON),
	})
	require.Equal(t, codes.Content, read.Code)
	assert.Contains(t, string(read.Payload), `"bn":"/10000/0/2/"`)
	assert.Contains(t, string(read.Payload), "123456789")
}

func TestLegacyContentFormatIsNormalized(t *testing.T) {
	f := newFixture(t)

	created := f.handle(t, &transport.Request{
		Method:        codes.POST,
		Path:          "/9999",
		ContentFormat: message.MediaType(codec.FormatTLVLegacy),
		Payload:       []byte{0x08, 0x00, 0x03, 0xC1, 0x01, 0x05},
	})
	assert.Equal(t, codes.Created, created.Code)
}

func TestMalformedPathIs404(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"", "/", "/0/", "0/1/2", "//0/1/2", "/0/1/2/3/4", "/65535"} {
		resp := f.handle(t, &transport.Request{Method: codes.GET, Path: path})
		assert.Equal(t, codes.NotFound, resp.Code, "path %q", path)
	}
}

func TestReadMissingInstanceIs404(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method:    codes.GET,
		Path:      "/9999/7",
		HasAccept: true,
		Accept:    message.MediaType(codec.FormatTLV),
	})
	assert.Equal(t, codes.NotFound, resp.Code)
}

func TestWriteToReadOnlyResourceIs405(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/3/0/0",
		ContentFormat: message.MediaType(codec.FormatText),
		Payload:       []byte("Acme"),
	})
	assert.Equal(t, codes.MethodNotAllowed, resp.Code)
}

func TestUnsupportedContentFormatIs415(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/3/0/15",
		ContentFormat: message.MediaType(60), // CBOR: recognized by CoAP, not by this stack
		Payload:       []byte{0xA0},
	})
	assert.Equal(t, codes.UnsupportedMediaType, resp.Code)
}

func TestTypeMismatchIs400(t *testing.T) {
	f := newFixture(t)
	iid := uint16(0)
	_, err := f.store.CreateObjectInstance(model.OriginBootstrap, 9999, &iid)
	require.NoError(t, err)

	resp := f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/9999/0/1",
		ContentFormat: message.MediaType(codec.FormatText),
		Payload:       []byte("not-a-number"),
	})
	assert.Equal(t, codes.BadRequest, resp.Code)
}

func TestExecuteRequiresExecutableResource(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, &transport.Request{Method: codes.POST, Path: "/3/0/4"})
	assert.Equal(t, codes.Changed, resp.Code)

	resp = f.handle(t, &transport.Request{Method: codes.POST, Path: "/3/0/15"})
	assert.Equal(t, codes.MethodNotAllowed, resp.Code)
}

func TestDeleteIsIdempotentlyNotFound(t *testing.T) {
	f := newFixture(t)
	iid := uint16(2)
	_, err := f.store.CreateObjectInstance(model.OriginBootstrap, 9999, &iid)
	require.NoError(t, err)

	resp := f.handle(t, &transport.Request{Method: codes.DELETE, Path: "/9999/2"})
	assert.Equal(t, codes.Deleted, resp.Code)

	resp = f.handle(t, &transport.Request{Method: codes.DELETE, Path: "/9999/2"})
	assert.Equal(t, codes.NotFound, resp.Code)
}

func TestDeleteMandatorySingletonIsRejected(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{Method: codes.DELETE, Path: "/3/0"})
	assert.Equal(t, codes.MethodNotAllowed, resp.Code)
}

func TestWriteAttributesSetsPacing(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method: codes.PUT,
		Path:   "/3/0/15",
		Query:  "pmin=5&pmax=60",
	})
	require.Equal(t, codes.Changed, resp.Code)

	eff := f.attrs.Resolve(model.Path{Object: 3, Instance: 0, Resource: 15})
	require.NotNil(t, eff.PMin)
	require.NotNil(t, eff.PMax)
	assert.Equal(t, 5, *eff.PMin)
	assert.Equal(t, 60, *eff.PMax)
}

func TestWriteAttributesRejectsMalformedValues(t *testing.T) {
	f := newFixture(t)
	resp := f.handle(t, &transport.Request{
		Method: codes.PUT,
		Path:   "/3/0/15",
		Query:  "pmin=abc&gt=xyz",
	})
	assert.Equal(t, codes.BadRequest, resp.Code)
}

func TestCancelTearsDownObservation(t *testing.T) {
	f := newFixture(t)

	observe := f.handle(t, &transport.Request{
		Method:     codes.GET,
		Path:       "/3/0/15",
		Peer:       "server",
		Token:      []byte{0x01},
		HasObserve: true,
		Observe:    true,
		HasAccept:  true,
		Accept:     message.MediaType(codec.FormatText),
	})
	require.Equal(t, codes.Content, observe.Code)
	require.Len(t, f.obs.All(), 1)

	cancel := f.handle(t, &transport.Request{
		Method: codes.PUT,
		Path:   "/3/0/15",
		Peer:   "server",
		Query:  "cancel",
	})
	require.Equal(t, codes.Changed, cancel.Code)
	assert.Empty(t, f.obs.All())

	// Mutations after cancellation are silent.
	f.handle(t, &transport.Request{
		Method:        codes.PUT,
		Path:          "/3/0/15",
		ContentFormat: message.MediaType(codec.FormatText),
		Payload:       []byte("Europe/London"),
	})
	assert.Empty(t, f.port.notifications)
}

func TestAttributeInheritanceMostSpecificWins(t *testing.T) {
	f := newFixture(t)

	resp := f.handle(t, &transport.Request{Method: codes.PUT, Path: "/3", Query: "pmin=10&pmax=100"})
	require.Equal(t, codes.Changed, resp.Code)
	resp = f.handle(t, &transport.Request{Method: codes.PUT, Path: "/3/0/15", Query: "pmin=2"})
	require.Equal(t, codes.Changed, resp.Code)

	eff := f.attrs.Resolve(model.Path{Object: 3, Instance: 0, Resource: 15})
	require.NotNil(t, eff.PMin)
	require.NotNil(t, eff.PMax)
	assert.Equal(t, 2, *eff.PMin, "resource level overrides object level")
	assert.Equal(t, 100, *eff.PMax, "pmax inherited from object level")
}
