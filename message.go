package stream

// Message is the interface for messages transmitted over the connection.
// Implementations should provide the message length and body.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Codec translates between frame payloads and application messages.
// Framing is handled by the connection: Decode always receives exactly one
// complete payload and Encode returns the payload without its length prefix.
// Applications implement Codec to layer their own format (JSON, Protocol
// Buffers, etc.) on top of the frames.
type Codec interface {
	// Decode turns one reassembled payload into a Message.
	// An error here affects only this message; the stream stays aligned.
	Decode(payload []byte) (Message, error)
	// Encode turns a Message into a payload of at most MaxPayloadLen bytes.
	Encode(Message) ([]byte, error)
}

// Payload is a Message whose body is the frame payload itself.
type Payload []byte

// Length returns the number of payload bytes.
func (p Payload) Length() int {
	return len(p)
}

// Body returns the payload bytes.
func (p Payload) Body() []byte {
	return p
}

// RawCodec passes payloads through untouched. It is the default codec.
type RawCodec struct{}

// Decode wraps the payload as a Payload message.
func (RawCodec) Decode(payload []byte) (Message, error) {
	return Payload(payload), nil
}

// Encode returns the message body as the payload.
func (RawCodec) Encode(message Message) ([]byte, error) {
	return message.Body(), nil
}
