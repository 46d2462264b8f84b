package stream

// DropMessage removes a message from the transcript to simulate a lost
// bubble.
func DropMessage(r *Reducer, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexOf(id); idx >= 0 {
		r.messages = append(r.messages[:idx], r.messages[idx+1:]...)
	}
}
