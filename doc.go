// Package snapmux shares one WebSocket connection between many typed,
// topic-scoped readers and writers.
//
// Every message on the wire is a JSON envelope:
//
//	{"topic": "greet", "data": "hello"}
//
// A Route binds a topic to a Go type. Read and ReadWithDefault return a View
// that follows the latest message for that topic, and Write sends one.
//
//	ch := snapmux.NewChannel(snapmux.NewDialer("ws://localhost:8080/", nil))
//	greet := snapmux.NewRoute[string]("greet")
//
//	v := snapmux.Read(ch, greet)
//	stop := v.Subscribe(func(s string, ok bool) {
//		if ok {
//			fmt.Println(s)
//		}
//	})
//	defer stop()
//
//	err := snapmux.Write(ctx, ch, greet, "hi")
//
// # Connection lifecycle
//
// The connection is opened when the Channel gets its first subscriber and
// closed when the last one leaves. Concurrent openers share one dial. When
// the connection closes, every View returns to its initial value.
//
// Nothing is queued: a Channel keeps only the latest inbound message, and a
// Write while disconnected fails with ErrSendDropped.
//
// The client speaks RFC 6455 itself: masking, ping/pong, fragmentation and
// close codes are handled, with optional inbound rate limiting.
package snapmux
