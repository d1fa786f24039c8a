package protocol

// This package implements parsing and serialising for the subset of the
// RESP wire protocol that Relay needs to speak pub/sub with a server.
//
// Commands sent by the client are arrays of length-prefixed byte strings
//
//   ```
//   *<argCount>\r\n
//   $<byteLen>\r\n<bytes>\r\n   (one per argument)
//   ```
//
// Argument lengths are always byte lengths, never character counts, so
// multi-byte text and arbitrary binary payloads are safe.
//
// Replies the client cares about are
//
// - `Array`      - `*<count>\r\n` followed by count sub-frames
// - `BulkString` - `$<len>\r\n` + exactly len bytes + `\r\n`
// - `Integer`    - `:<value>\r\n`
//
// Every pub/sub event the server pushes is an Array whose first element
// names the event (`message`, `pmessage`, `subscribe`, `psubscribe`,
// `unsubscribe`, `punsubscribe`). Any other leading type byte at the top
// level (`+OK`, `-ERR ...`) is a plain command reply; the decoder skips
// its line without producing a frame.
//
// Because the server pushes events whenever it likes, a reply can land in
// the same read as half of the next push. The Decoder therefore consumes
// its buffer only in whole-frame increments: bytes belonging to an
// incomplete trailing frame stay buffered verbatim until more arrive.
//
// Note: pushes interleave with command replies, but a single frame is
//       atomic. You will never receive half a push, then an entire reply,
//       then the rest of the push.
