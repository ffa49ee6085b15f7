package registry

import (
	"bluetooth-peer/internal/devclass"
	"bluetooth-peer/internal/device"
)

// HandleFactory builds the handle for a newly accepted announcement.
type HandleFactory func(obj device.AnnouncedObject) (*device.Handle, error)

// Notifier observes registry membership changes. Implementations must not
// block; they run on the worker or on the goroutine performing a removal.
type Notifier interface {
	DeviceAdded(id device.Identity, props device.Properties)
	DeviceRemoved(id device.Identity)
}

type noopNotifier struct{}

func (noopNotifier) DeviceAdded(device.Identity, device.Properties) {}
func (noopNotifier) DeviceRemoved(device.Identity)                  {}

// Worker is the single consumer of a Queue. It is the only writer of new
// registry entries, so insertions are serialized by construction.
type Worker struct {
	queue     *Queue
	reg       *Registry
	filter    *devclass.Filter
	newHandle HandleFactory
	notifier  Notifier
	logger    Logger
}

// Drain processes events in FIFO order until the queue is closed. Items
// still queued at that point are never processed.
func (w *Worker) Drain() {
	for {
		select {
		case <-w.queue.Done():
			return
		default:
		}

		ev, ok := w.queue.Pop()
		if !ok {
			select {
			case <-w.queue.Wake():
				continue
			case <-w.queue.Done():
				return
			}
		}
		w.process(ev)
	}
}

func (w *Worker) process(ev Event) {
	switch ev.Kind {
	case EventAnnounced:
		w.announce(ev.Object)
	case EventPropertiesChanged:
		w.update(ev.Object.Path, ev.Changes)
	default:
		w.logger.Warn("unknown event kind", "kind", ev.Kind)
	}
}

func (w *Worker) announce(obj device.AnnouncedObject) {
	id := device.IdentityFromPath(obj.Path)
	if !id.Valid() {
		w.logger.Debug("discarding announcement without identity", "path", obj.Path)
		return
	}
	class := devclass.FromAttributes(obj.Attributes)
	if !w.filter.AcceptClass(class) {
		w.logger.Debug("device class filtered", "device", id, "class", class)
		return
	}
	if _, ok := w.reg.Lookup(id); ok {
		w.logger.Debug("device already registered", "device", id)
		return
	}

	h, err := w.newHandle(obj)
	if err != nil {
		w.logger.Warn("creating device handle failed", "device", id, "path", obj.Path, "error", err)
		return
	}
	if !w.reg.Insert(id, h) {
		return
	}
	props := h.Properties()
	w.logger.Info("device registered",
		"device", id,
		"name", props.Name,
		"class", class,
		"count", w.reg.Len(),
	)
	w.notifier.DeviceAdded(id, props)
}

func (w *Worker) update(path string, changes []device.Change) {
	id := device.IdentityFromPath(path)
	if !id.Valid() {
		return
	}
	h, ok := w.reg.Lookup(id)
	if !ok {
		return
	}
	h.Apply(changes)
}
