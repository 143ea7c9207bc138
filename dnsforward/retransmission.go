package dnsforward

import (
	"encoding/binary"
	"net"
	"time"

	"github.com/AdguardTeam/golibs/cache"
)

// uint* sizes in bytes, named the way the teacher names them in its own
// recursion detector.
const (
	uint16sz = 2
	uint64sz = 8
)

// retransmissionDetector is C5: a bounded LRU of recently-seen
// (source_endpoint, query_id, question) signatures with stored expiry,
// extended from the teacher's recursionDetector (which only keyed on
// id/qtype/name) with the client's source endpoint, so two different
// clients retransmitting the same id/question are not conflated.
type retransmissionDetector struct {
	recent cache.Cache
	window time.Duration
}

// newRetransmissionDetector builds a detector with the given detection
// window and LRU capacity.
func newRetransmissionDetector(window time.Duration, maxSignatures uint) *retransmissionDetector {
	return &retransmissionDetector{
		recent: cache.New(cache.Config{
			EnableLRU: true,
			MaxCount:  maxSignatures,
		}),
		window: window,
	}
}

// Check reports whether the given request was already seen inside the
// detection window.
func (d *retransmissionDetector) Check(endpoint net.Addr, id, qtype uint16, name string) bool {
	expireData := d.recent.Get(signature(endpoint, id, qtype, name))
	if expireData == nil {
		return false
	}

	expire := time.Unix(0, int64(binary.BigEndian.Uint64(expireData)))

	return time.Now().Before(expire)
}

// Add records the request's signature as seen, expiring after the
// detector's window.
func (d *retransmissionDetector) Add(endpoint net.Addr, id, qtype uint16, name string) {
	expire64 := uint64(time.Now().Add(d.window).UnixNano())
	expire := make([]byte, uint64sz)
	binary.BigEndian.PutUint64(expire, expire64)

	d.recent.Set(signature(endpoint, id, qtype, name), expire)
}

// Clear empties the detector's cache.
func (d *retransmissionDetector) Clear() { d.recent.Clear() }

// signature packs (endpoint, id, qtype, name) into a byte key, following the
// teacher's msgToSignature layout (big-endian id then qtype, then the raw
// name bytes) with the endpoint's string form and a zero separator byte
// inserted between qtype and the name.
func signature(endpoint net.Addr, id, qtype uint16, name string) []byte {
	var ep string
	if endpoint != nil {
		ep = endpoint.String()
	}

	sig := make([]byte, uint16sz*2+len(ep)+1+len(name))
	byteOrder := binary.BigEndian
	byteOrder.PutUint16(sig[0:], id)
	byteOrder.PutUint16(sig[uint16sz:], qtype)

	n := 2 * uint16sz
	n += copy(sig[n:], ep)
	sig[n] = 0 // separator: ep and name are both variable-length
	n++
	copy(sig[n:], name)

	return sig
}
