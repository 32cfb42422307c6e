// Package dice resolves sheet dice expressions of the form "[N]dF[+/-B]".
package dice

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Mode selects the resolution rule for a roll.
type Mode string

const (
	// ModeAttribute picks the best face of the pool (or the worst of two
	// d20s when the pool size is zero or negative).
	ModeAttribute Mode = "attribute"
	// ModeDamage sums every face of the pool.
	ModeDamage Mode = "damage"
)

// DefaultThreat is the face value at or above which an attribute roll is
// critical when the caller does not supply one.
const DefaultThreat = 20

// Result is the outcome of resolving one expression.
type Result struct {
	Total    int    `json:"total"`
	Faces    []int  `json:"faces"`
	Critical bool   `json:"critical"`
	Detail   string `json:"detail"`
}

// expression is "[count]d<faces>[+|-bonus]"; count may be negative to force a
// disadvantage roll.
var exprPattern = regexp.MustCompile(`^\s*(-?\d+)?[dD](\d+)\s*(?:([+-])\s*(\d+))?\s*$`)

// Roller resolves dice expressions. Each face draw is uniform over [1, faces]
// and independent. Safe for concurrent use.
type Roller struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// New returns a Roller seeded from crypto/rand.
func New() *Roller {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		// crypto/rand failing is not survivable in any useful way; fall
		// back to a fixed seed rather than crashing a running table.
		return NewSeeded(1)
	}
	return NewSeeded(int64(binary.LittleEndian.Uint64(b[:])))
}

// NewSeeded returns a deterministic Roller for tests and replays.
func NewSeeded(seed int64) *Roller {
	return &Roller{rng: rand.New(rand.NewSource(seed))}
}

// Die draws a single face from a die with the given number of sides.
func (r *Roller) Die(sides int) int {
	if sides < 1 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Intn(sides) + 1
}

// Roll resolves expr under the given mode. A threat of zero or less means
// DefaultThreat. Malformed expressions never panic or error: they resolve to
// a zero result whose Detail says the expression was invalid.
func (r *Roller) Roll(expr string, mode Mode, threat int) Result {
	count, faces, bonus, ok := parse(expr)
	if !ok || faces < 1 {
		return Result{Detail: fmt.Sprintf("invalid expression %q", strings.TrimSpace(expr))}
	}
	if threat <= 0 {
		threat = DefaultThreat
	}

	switch mode {
	case ModeDamage:
		return r.rollDamage(count, faces, bonus)
	default:
		return r.rollAttribute(count, faces, bonus, threat)
	}
}

// rollAttribute keeps the best face. A non-positive pool size is the
// disadvantage case: two d20s, worst face kept.
func (r *Roller) rollAttribute(count, faces, bonus, threat int) Result {
	if count <= 0 {
		a, b := r.Die(20), r.Die(20)
		chosen := a
		if b < a {
			chosen = b
		}
		return Result{
			Total:    chosen + bonus,
			Faces:    []int{a, b},
			Critical: chosen >= threat,
			Detail:   renderDetail("2d20 (worst)", []int{a, b}, chosen, bonus),
		}
	}

	rolled := r.pool(count, faces)
	chosen := rolled[0]
	for _, f := range rolled[1:] {
		if f > chosen {
			chosen = f
		}
	}
	return Result{
		Total:    chosen + bonus,
		Faces:    rolled,
		Critical: chosen >= threat,
		Detail:   renderDetail(fmt.Sprintf("%dd%d", count, faces), rolled, chosen, bonus),
	}
}

func (r *Roller) rollDamage(count, faces, bonus int) Result {
	if count < 1 {
		count = 1
	}
	rolled := r.pool(count, faces)
	sum := 0
	for _, f := range rolled {
		sum += f
	}
	return Result{
		Total:  sum + bonus,
		Faces:  rolled,
		Detail: renderDetail(fmt.Sprintf("%dd%d", count, faces), rolled, sum, bonus),
	}
}

func (r *Roller) pool(count, faces int) []int {
	rolled := make([]int, count)
	for i := range rolled {
		rolled[i] = r.Die(faces)
	}
	return rolled
}

func parse(expr string) (count, faces, bonus int, ok bool) {
	m := exprPattern.FindStringSubmatch(expr)
	if m == nil {
		return 0, 0, 0, false
	}

	count = 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, 0, 0, false
		}
		count = n
	}

	faces, err := strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, 0, false
	}

	if m[4] != "" {
		b, err := strconv.Atoi(m[4])
		if err != nil {
			return 0, 0, 0, false
		}
		if m[3] == "-" {
			b = -b
		}
		bonus = b
	}

	return count, faces, bonus, true
}

func renderDetail(pool string, rolled []int, base, bonus int) string {
	var sb strings.Builder
	sb.WriteString(pool)
	sb.WriteString(" [")
	for i, f := range rolled {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.Itoa(f))
	}
	sb.WriteString("]")
	switch {
	case bonus > 0:
		fmt.Fprintf(&sb, " %d+%d = %d", base, bonus, base+bonus)
	case bonus < 0:
		fmt.Fprintf(&sb, " %d-%d = %d", base, -bonus, base+bonus)
	default:
		fmt.Fprintf(&sb, " = %d", base)
	}
	return sb.String()
}
