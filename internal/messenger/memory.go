package messenger

import "context"

// Sent is one recorded outbound message.
type Sent struct {
	To   string
	Text string
}

// Recorder is an in-memory Sender for tests and dry runs.
type Recorder struct {
	Messages []Sent
	Err      error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(_ context.Context, to string, text string) error {
	if r.Err != nil {
		return r.Err
	}
	r.Messages = append(r.Messages, Sent{To: to, Text: text})
	return nil
}

// SentTo returns how many messages were delivered to an address.
func (r *Recorder) SentTo(to string) int {
	n := 0
	for _, m := range r.Messages {
		if m.To == to {
			n++
		}
	}
	return n
}
