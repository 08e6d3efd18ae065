package model

import (
	"strconv"
	"strings"

	"github.com/openlwm2m/core/pkg/errors"
)

// Path addresses some level of the object/instance/resource tree (the
// identifier triple): Object, Object-Instance, or Resource. Unset
// levels hold InvalidID. Resource-instance addressing is a distinct,
// wider concept (see Address) because it additionally depends on
// whether the addressed resource is multi-instance, which a bare path
// string cannot say on its own.
type Path struct {
	Object   uint16
	Instance uint16
	Resource uint16
}

func (p Path) HasInstance() bool { return p.Instance != InvalidID }
func (p Path) HasResource() bool { return p.Resource != InvalidID }

// String renders the canonical "/O", "/O/I", or "/O/I/R" form.
func (p Path) String() string {
	var b strings.Builder
	b.WriteByte('/')
	b.WriteString(strconv.Itoa(int(p.Object)))
	if p.HasInstance() {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(p.Instance)))
	}
	if p.HasResource() {
		b.WriteByte('/')
		b.WriteString(strconv.Itoa(int(p.Resource)))
	}
	return b.String()
}

// ParsePath parses a 1-, 2-, or 3-segment LwM2M path: "/O", "/O/I", or
// "/O/I/R". A leading slash is required, a trailing slash is rejected,
// every segment must be an unsigned decimal in [0, MaxID], and exactly
// one, two, or three segments are accepted; zero or four-or-more segments
// are PathInvalid here (four-segment resource-instance addressing is
// Address, used by the dispatcher once it already knows whether the
// target resource is multi-instance).
func ParsePath(raw string) (Path, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return Path{}, err
	}
	if len(segs) < 1 || len(segs) > 3 {
		return Path{}, errors.PathInvalid(raw)
	}
	ids, err := parseIDs(segs)
	if err != nil {
		return Path{}, err
	}
	p := Path{Object: ids[0], Instance: InvalidID, Resource: InvalidID}
	if len(ids) > 1 {
		p.Instance = ids[1]
	}
	if len(ids) > 2 {
		p.Resource = ids[2]
	}
	return p, nil
}

// Address is the full quadruple (oid, iid?, rid?, ri?) the dispatcher
// parses a CoAP request path into. Unset levels hold
// InvalidID.
type Address struct {
	Object           uint16
	Instance         uint16
	Resource         uint16
	ResourceInstance uint16
}

func (a Address) HasInstance() bool         { return a.Instance != InvalidID }
func (a Address) HasResource() bool         { return a.Resource != InvalidID }
func (a Address) HasResourceInstance() bool { return a.ResourceInstance != InvalidID }

func (a Address) Path() Path {
	return Path{Object: a.Object, Instance: a.Instance, Resource: a.Resource}
}

func (a Address) String() string {
	s := a.Path().String()
	if a.HasResourceInstance() {
		s += "/" + strconv.Itoa(int(a.ResourceInstance))
	}
	return s
}

// ParseAddress parses a 1-, 2-, 3-, or 4-segment LwM2M path, as the
// dispatcher needs when a request may target a specific resource
// instance within a multi-instance resource.
func ParseAddress(raw string) (Address, error) {
	segs, err := splitSegments(raw)
	if err != nil {
		return Address{}, err
	}
	if len(segs) < 1 || len(segs) > 4 {
		return Address{}, errors.PathInvalid(raw)
	}
	ids, err := parseIDs(segs)
	if err != nil {
		return Address{}, err
	}
	a := Address{Object: ids[0], Instance: InvalidID, Resource: InvalidID, ResourceInstance: InvalidID}
	if len(ids) > 1 {
		a.Instance = ids[1]
	}
	if len(ids) > 2 {
		a.Resource = ids[2]
	}
	if len(ids) > 3 {
		a.ResourceInstance = ids[3]
	}
	return a, nil
}

func splitSegments(raw string) ([]string, error) {
	if raw == "" || raw[0] != '/' {
		return nil, errors.PathInvalid(raw)
	}
	if raw == "/" {
		return nil, errors.PathInvalid(raw)
	}
	if strings.HasSuffix(raw, "/") {
		return nil, errors.PathInvalid(raw)
	}
	body := raw[1:]
	segs := strings.Split(body, "/")
	for _, s := range segs {
		if s == "" {
			// empty segment: leading "//" or internal "//" collapse
			return nil, errors.PathInvalid(raw)
		}
	}
	return segs, nil
}

func parseIDs(segs []string) ([]uint16, error) {
	ids := make([]uint16, len(segs))
	for i, s := range segs {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, errors.PathInvalid(s)
		}
		if v > uint64(MaxID) {
			return nil, errors.PathInvalid(s)
		}
		ids[i] = uint16(v)
	}
	return ids, nil
}
