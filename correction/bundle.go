package correction

import "gonum.org/v1/gonum/mat"

// WeightsKey is the fixed bundle entry name for importance sampling weights.
const WeightsKey = "rollout_is_weights"

// TensorBundle is a named tensor dictionary, the hand-off container used to
// move produced tensors to the surrounding training system. Insertion order
// is preserved so downstream encoders emit stable schemas.
type TensorBundle struct {
	names   []string
	tensors map[string]*mat.Dense
}

func NewTensorBundle() *TensorBundle {
	return &TensorBundle{tensors: make(map[string]*mat.Dense)}
}

// Put stores a tensor under name, replacing any previous entry.
func (b *TensorBundle) Put(name string, t *mat.Dense) {
	if _, ok := b.tensors[name]; !ok {
		b.names = append(b.names, name)
	}
	b.tensors[name] = t
}

// Get returns the tensor stored under name.
func (b *TensorBundle) Get(name string) (*mat.Dense, bool) {
	t, ok := b.tensors[name]
	return t, ok
}

// Names returns the entry names in insertion order.
func (b *TensorBundle) Names() []string {
	out := make([]string, len(b.names))
	copy(out, b.names)
	return out
}

func (b *TensorBundle) Len() int {
	return len(b.names)
}
