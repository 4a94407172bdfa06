package device

// ProtocolVersion is the compiled-in VERSION reply value. It identifies
// the device server's command-set revision, not its build version.
const ProtocolVersion uint32 = 1
