package orders

import (
	"strings"

	"github.com/huandu/skiplist"

	"github.com/alanyoungcy/boardmirror/internal/domain"
)

// typeRank orders events that share a timestamp so that a fold sees NEW
// before anything that depends on it and terminal events last.
var typeRank = map[domain.OrderEventType]int{
	domain.EventNew:          0,
	domain.EventOrderFailed:  1,
	domain.EventExecution:    2,
	domain.EventCancelFailed: 3,
	domain.EventCancel:       4,
	domain.EventExpire:       5,
}

type eventKey struct {
	at          int64
	rank        int
	fingerprint string
}

func keyOf(ev domain.OrderEvent) eventKey {
	return eventKey{
		at:          ev.Time.UnixNano(),
		rank:        typeRank[ev.Type],
		fingerprint: fingerprint(ev),
	}
}

// fingerprint identifies a redelivered copy of the same event. Channel is left
// out so an event seen on both private channels is stored once.
func fingerprint(ev domain.OrderEvent) string {
	return strings.Join([]string{
		ev.ExecID,
		ev.Side,
		ev.Size.String(),
		ev.Price.String(),
		ev.OutstandingSize.String(),
	}, "|")
}

// eventLog is the chronologically ordered, deduplicated event history of one
// order.
type eventLog struct {
	list *skiplist.SkipList
}

func newEventLog() *eventLog {
	return &eventLog{
		list: skiplist.New(skiplist.GreaterThanFunc(func(lhs, rhs any) int {
			k1, _ := lhs.(eventKey)
			k2, _ := rhs.(eventKey)

			switch {
			case k1.at != k2.at:
				if k1.at > k2.at {
					return 1
				}
				return -1
			case k1.rank != k2.rank:
				if k1.rank > k2.rank {
					return 1
				}
				return -1
			}
			return strings.Compare(k1.fingerprint, k2.fingerprint)
		})),
	}
}

// add inserts ev and reports false if an identical event is already logged.
func (l *eventLog) add(ev domain.OrderEvent) bool {
	key := keyOf(ev)
	if l.list.Get(key) != nil {
		return false
	}
	l.list.Set(key, ev)
	return true
}

func (l *eventLog) len() int {
	return l.list.Len()
}

// events returns a copy of the log in chronological order.
func (l *eventLog) events() []domain.OrderEvent {
	out := make([]domain.OrderEvent, 0, l.list.Len())
	for el := l.list.Front(); el != nil; el = el.Next() {
		ev, _ := el.Value.(domain.OrderEvent)
		out = append(out, ev)
	}
	return out
}
