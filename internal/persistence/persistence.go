// Package persistence defines the optional snapshot contract for hosts
// that want the in-memory store to survive a restart. The core itself
// stays volatile (the store is rebuilt from definitions at startup);
// a host that wants more captures a Snapshot after mutations settle and
// replays it into a fresh store on the next boot. Concrete backends live
// in the postgres and redis sub-packages; the session only ever sees the
// Snapshotter interface.
package persistence

import (
	"context"
	"time"

	"github.com/openlwm2m/core/internal/model"
	"github.com/openlwm2m/core/internal/model/store"
)

// Record is one resource-instance value, addressed by the full
// object/instance/resource/resource-instance quadruple.
type Record struct {
	Object           uint16 `json:"oid" db:"object_id"`
	Instance         uint16 `json:"iid" db:"instance_id"`
	Resource         uint16 `json:"rid" db:"resource_id"`
	ResourceInstance uint16 `json:"ri" db:"resource_instance_id"`
	Value            []byte `json:"value" db:"value"`
}

// Snapshot is a full dump of one endpoint's store at a point in time.
type Snapshot struct {
	Endpoint string    `json:"endpoint"`
	TakenAt  time.Time `json:"taken_at"`
	Records  []Record  `json:"records"`
}

// Snapshotter persists and recalls snapshots keyed by endpoint name.
type Snapshotter interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, endpoint string) (*Snapshot, error)
}

// Capture walks the store in ascending id order at every level and
// returns a Snapshot of every resource-instance value.
func Capture(endpoint string, st *store.Store, now time.Time) *Snapshot {
	snap := &Snapshot{Endpoint: endpoint, TakenAt: now}
	for _, oid := range st.Objects() {
		for _, iid := range st.ObjectInstances(oid) {
			for _, rid := range st.InstanceResources(oid, iid) {
				for _, ri := range st.ResourceInstances(oid, iid, rid) {
					value, err := st.GetResourceInstance(oid, iid, rid, ri)
					if err != nil {
						continue
					}
					snap.Records = append(snap.Records, Record{
						Object:           oid,
						Instance:         iid,
						Resource:         rid,
						ResourceInstance: ri,
						Value:            value,
					})
				}
			}
		}
	}
	return snap
}

// Restore replays a snapshot into st with origin=Bootstrap, so
// resource-level operation masks cannot block the reload. Records whose
// object or resource is no longer defined are skipped rather than
// failing the whole restore: a definition set that shrank between runs
// should not brick the endpoint.
func Restore(st *store.Store, snap *Snapshot) error {
	for _, rec := range snap.Records {
		instPath := model.Path{Object: rec.Object, Instance: rec.Instance, Resource: model.InvalidID}
		if !st.Exists(instPath) {
			iid := rec.Instance
			if _, err := st.CreateObjectInstance(model.OriginBootstrap, rec.Object, &iid); err != nil {
				continue
			}
		}
		if _, err := st.SetResourceInstance(model.OriginBootstrap, rec.Object, rec.Instance, rec.Resource, rec.ResourceInstance, rec.Value); err != nil {
			continue
		}
	}
	return nil
}
