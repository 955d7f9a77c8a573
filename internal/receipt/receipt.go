// Package receipt aggregates the outcome of one transaction: the
// tickets to hand to the host (installed, upgraded, removed packages),
// every file actually removed from disk, and every recoverable error
// surfaced along the way.
package receipt

import "sync"

// TicketType classifies one completed package-level change.
type TicketType int

const (
	TicketInstall TicketType = iota
	TicketUpgrade
	TicketRemove
	TicketPin
	TicketUnpin
)

func (t TicketType) String() string {
	switch t {
	case TicketInstall:
		return "install"
	case TicketUpgrade:
		return "upgrade"
	case TicketRemove:
		return "remove"
	case TicketPin:
		return "pin"
	case TicketUnpin:
		return "unpin"
	default:
		return "unknown"
	}
}

// Ticket records one package-level change queued for host registration.
type Ticket struct {
	Type       TicketType
	FullName   string // "category/name"
	OldVersion string // empty for a fresh install
	NewVersion string // empty for a removal
}

// Error is a recoverable failure attributed to one package, surfaced to
// the user without aborting the rest of the transaction.
type Error struct {
	Message string
	Title   string
}

func (e Error) Error() string { return e.Title + ": " + e.Message }

// Receipt is the final report of a transaction: what changed, what was
// removed, what failed, and whether the run was cancelled.
type Receipt struct {
	mu sync.Mutex

	tickets       []Ticket
	removals      []string
	errors        []Error
	restartNeeded bool
	cancelled     bool
}

// New creates an empty Receipt.
func New() *Receipt {
	return &Receipt{}
}

// AddTicket records a completed package-level change.
func (r *Receipt) AddTicket(t Ticket) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tickets = append(r.tickets, t)
}

// AddRemoval records a file actually deleted from disk.
func (r *Receipt) AddRemoval(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removals = append(r.removals, path)
}

// AddError records a recoverable, per-package or per-file failure.
func (r *Receipt) AddError(e Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, e)
}

// SetRestartNeeded flags that an installed extension-type package
// requires a host restart to take effect.
func (r *Receipt) SetRestartNeeded(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restartNeeded = v
}

// SetCancelled flags that the owning transaction was cancelled.
func (r *Receipt) SetCancelled(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = v
}

// Tickets returns every recorded ticket, in registration order.
func (r *Receipt) Tickets() []Ticket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Ticket(nil), r.tickets...)
}

// Removals returns every file path actually removed from disk.
func (r *Receipt) Removals() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removals...)
}

// Errors returns every recoverable error recorded during the transaction.
func (r *Receipt) Errors() []Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Error(nil), r.errors...)
}

// RestartNeeded reports whether any installed package requires a host
// restart to take effect.
func (r *Receipt) RestartNeeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restartNeeded
}

// IsCancelled reports whether the owning transaction was cancelled.
func (r *Receipt) IsCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// HasErrors reports whether any recoverable error was recorded.
func (r *Receipt) HasErrors() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors) > 0
}
