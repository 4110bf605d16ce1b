package store

// Notification describes one change. An empty PupID means a bulk change
// that every observer must refresh for.
type Notification struct {
	PupID  string `json:"pupId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Observer interface {
	Refresh(n Notification)
}

// TargetedObserver only cares about one pup; targeted notifications for
// other pups skip it.
type TargetedObserver interface {
	Observer
	TargetPupID() string
}

// BulkObserver sees every targeted notification, for list views.
type BulkObserver interface {
	Observer
	BulkRefresh(n Notification)
}

type ObserverFunc func(n Notification)

func (f ObserverFunc) Refresh(n Notification) { f(n) }

type targetedFunc struct {
	pupID string
	fn    func(Notification)
}

func (t targetedFunc) Refresh(n Notification) { t.fn(n) }
func (t targetedFunc) TargetPupID() string    { return t.pupID }

// Targeted wraps fn so it only fires for pupID and for bulk changes.
func Targeted(pupID string, fn func(Notification)) TargetedObserver {
	return targetedFunc{pupID: pupID, fn: fn}
}
