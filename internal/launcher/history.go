package launcher

import "github.com/JakeFAU/crawld/internal/jobs"

// history is a fixed-capacity ring that overwrites its oldest record.
type history struct {
	buf   []jobs.FinishedJob
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]jobs.FinishedJob, capacity)}
}

func (h *history) add(rec jobs.FinishedJob) {
	if len(h.buf) == 0 {
		return
	}
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = rec
		h.size++
		return
	}
	h.buf[h.start] = rec
	h.start = (h.start + 1) % len(h.buf)
}

func (h *history) snapshot() []jobs.FinishedJob {
	out := make([]jobs.FinishedJob, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}
