package im

import "github.com/hedda/mattercontrol/pkg/message"

// ProtocolID is the protocol ID this package's exchanges and handlers are
// registered under. It must match the opcode numbering in pkg/im/message.
const ProtocolID = message.ProtocolInteractionModel
