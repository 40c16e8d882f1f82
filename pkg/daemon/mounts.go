package daemon

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dcontext"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/vmountio/vmount/pkg/mount"
	"github.com/vmountio/vmount/pkg/vm"
)

// handler is the slice of mount.Handler that the registry drives. Tests
// substitute scripted implementations.
type handler interface {
	Start(ctx context.Context, sink mount.ProgressSink, installTimeout time.Duration) error
	Stop(ctx context.Context) error
	Close(ctx context.Context)
	State() mount.State
	Instance() string
	Spec() *mount.Spec
}

var (
	errMountNotFound = errors.New("mount not found")
	errMountExists   = errors.New("mount exists")
)

// activeMount is one registered mount. ctx caps the mount's subprocess;
// cancel must not be called before the subprocess has been stopped, or the
// stop loses its chance to be graceful.
type activeMount struct {
	id      uuid.UUID
	handler handler
	ctx     context.Context
	cancel  context.CancelFunc
}

func (a *activeMount) info() *MountInfo {
	spec := a.handler.Spec()
	return &MountInfo{
		ID:       a.id.String(),
		Instance: a.handler.Instance(),
		Source:   spec.Source,
		Target:   spec.Target,
		State:    a.handler.State().String(),
	}
}

// registry owns every mount in the daemon.
type registry struct {
	vms         *vm.Provider
	keys        mount.KeyProvider
	quitTimeout time.Duration
	newHandler  func(ctx context.Context, machine mount.Machine, keys mount.KeyProvider, spec *mount.Spec) handler

	mu     sync.Mutex
	parent context.Context // mount subprocess lifetimes derive from this
	mounts map[uuid.UUID]*activeMount
}

func newRegistry(vms *vm.Provider, keys mount.KeyProvider, quitTimeout time.Duration) *registry {
	return &registry{
		vms:         vms,
		keys:        keys,
		quitTimeout: quitTimeout,
		newHandler: func(ctx context.Context, machine mount.Machine, keys mount.KeyProvider, spec *mount.Spec) handler {
			return mount.New(ctx, machine, keys, spec)
		},
		mounts: make(map[uuid.UUID]*activeMount),
	}
}

// run owns the lifetime of all mounts. Subprocess contexts derive from the
// hard context so that a soft shutdown leaves the processes running until
// stopAll has had its chance to terminate them gracefully.
func (r *registry) run(ctx context.Context) error {
	r.mu.Lock()
	r.parent = dcontext.HardContext(ctx)
	r.mu.Unlock()
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(dcontext.HardContext(ctx), r.quitTimeout)
	defer cancel()
	return r.stopAll(stopCtx)
}

// reserve registers a mount in its initial state so that no concurrent
// request can claim the same (instance, target) while this one starts. The
// caller must either start the reservation or drop it.
func (r *registry) reserve(instanceName string, spec *mount.Spec) (*activeMount, error) {
	machine, err := r.vms.Get(instanceName)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.parent == nil {
		return nil, errors.New("the daemon is not ready yet")
	}
	for _, m := range r.mounts {
		if m.handler.Instance() == instanceName && m.handler.Spec().Target == spec.Target {
			return nil, errors.Wrapf(errMountExists, "%q is already mounted in '%s'", spec.Target, instanceName)
		}
	}

	id := uuid.New()
	mctx, cancel := context.WithCancel(dgroup.WithGoroutineName(r.parent, fmt.Sprintf("/%s:%s", instanceName, spec.Target)))
	am := &activeMount{
		id:      id,
		handler: r.newHandler(mctx, machine, r.keys, spec),
		ctx:     mctx,
		cancel:  cancel,
	}
	r.mounts[id] = am
	return am, nil
}

// start drives the reserved mount to Running, dropping the reservation when
// the start fails. The mount's own context caps the subprocess, not ctx, so
// a caller that gives up does not tear down a mount that is about to
// succeed.
func (r *registry) start(ctx context.Context, am *activeMount, sink mount.ProgressSink, installTimeout time.Duration) error {
	if err := am.handler.Start(am.ctx, sink, installTimeout); err != nil {
		am.cancel()
		r.drop(am.id)
		return err
	}
	dlog.Infof(ctx, "Mounted %q in instance '%s'", am.handler.Spec().Target, am.handler.Instance())
	return nil
}

// get returns the mount with the given id.
func (r *registry) get(id uuid.UUID) (*activeMount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	am, ok := r.mounts[id]
	if !ok {
		return nil, errMountNotFound
	}
	return am, nil
}

// list returns a stable view of all mounts.
func (r *registry) list() []*MountInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]*MountInfo, 0, len(r.mounts))
	for _, am := range r.mounts {
		infos = append(infos, am.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].Instance != infos[j].Instance {
			return infos[i].Instance < infos[j].Instance
		}
		return infos[i].Target < infos[j].Target
	})
	return infos
}

// remove stops the mount and forgets it. A failed stop leaves the mount
// registered; it may be retried.
func (r *registry) remove(ctx context.Context, id uuid.UUID) error {
	am, err := r.get(id)
	if err != nil {
		return err
	}
	if err := am.handler.Stop(ctx); err != nil {
		return err
	}
	am.cancel()
	r.drop(id)
	return nil
}

func (r *registry) drop(id uuid.UUID) {
	r.mu.Lock()
	delete(r.mounts, id)
	r.mu.Unlock()
}

// stopAll stops every mount, collecting failures rather than aborting on the
// first one. Mounts that fail to stop stay registered; their subprocesses
// are killed by the hard context when the daemon finally goes down.
func (r *registry) stopAll(ctx context.Context) error {
	r.mu.Lock()
	ms := make([]*activeMount, 0, len(r.mounts))
	for _, am := range r.mounts {
		ms = append(ms, am)
	}
	r.mu.Unlock()

	var result *multierror.Error
	for _, am := range ms {
		if err := am.handler.Stop(ctx); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		am.cancel()
		r.drop(am.id)
	}
	if err := result.ErrorOrNil(); err != nil {
		dlog.Error(ctx, err)
		return err
	}
	return nil
}
