package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to keep a producer goroutine from blocking on a stream nobody reads
// any more (e.g. a transport's event channel after the session tore down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
