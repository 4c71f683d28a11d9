package socket

import "sync/atomic"

// Reply answers one event received with the reply flag set. Only the first
// call to Done or Fail sends anything; later calls do nothing.
type Reply struct {
	socket *Socket
	id     EventID
	used   atomic.Bool
}

// ID is the id of the event being answered.
func (r *Reply) ID() string {
	return string(r.id)
}

func (r *Reply) Done(result any) error {
	return r.answer(result, false)
}

func (r *Reply) Fail(result any) error {
	return r.answer(result, true)
}

func (r *Reply) answer(result any, exception bool) error {
	data, err := marshalData(result)
	if err != nil {
		return err
	}

	if !r.used.CompareAndSwap(false, true) {
		return nil
	}

	return r.socket.Send(EventReply, replyData{ID: r.id, Data: data, Exception: exception})
}
