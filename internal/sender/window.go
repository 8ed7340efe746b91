package sender

// WindowLen is the number of recently sent chunk ids kept for loss
// detection.
const WindowLen = 5

// Window holds the most recently sent chunk ids, most recent first.
type Window struct {
	ids [WindowLen]uint32
	n   int
}

func (w *Window) Push(id uint32) {
	copy(w.ids[1:], w.ids[:WindowLen-1])
	w.ids[0] = id
	if w.n < WindowLen {
		w.n++
	}
}

// Oldest returns the id in the last slot. ok is false until the window
// filled up.
func (w *Window) Oldest() (uint32, bool) {
	if w.n < WindowLen {
		return 0, false
	}
	return w.ids[WindowLen-1], true
}

func (w *Window) IDs() []uint32 {
	return append([]uint32(nil), w.ids[:w.n]...)
}
