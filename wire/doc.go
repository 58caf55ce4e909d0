/*
Package wire implements the subset of the bitcoin wire protocol needed to
negotiate a connection with a remote peer.

Every message on the wire travels inside a fixed 24-byte header holding the
network magic, a null-padded command name, the payload length, and the first
four bytes of the double-SHA256 of the payload. ReadMessage and WriteMessage
handle that envelope and reject frames from foreign networks, frames whose
checksum does not commit to the received payload, and frames that exceed the
maximum size the named command allows.

Only the two messages exchanged during connection negotiation are
implemented: version (MsgVersion) and verack (MsgVerAck). Version payloads
tolerate absent trailing fields, since peers predating protocol version
70001 omit them.
*/
package wire
