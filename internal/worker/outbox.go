package worker

// ReplyKind tells the dispatcher what shape of reply to expect for an
// OutboundMessage once it has been sent.
type ReplyKind int

const (
	ReplyOk ReplyKind = iota
	ReplyVersion
	ReplyScreencap
	ReplyList
	ReplyDownload
)

// OutboundMessage is one unit of work enqueued into the worker's
// mailbox. Either Command is a ready-to-send command line, or IsUpload
// is set and the worker builds the UPLOAD command itself after reading
// the local file.
type OutboundMessage struct {
	Command           string
	Reply             ReplyKind
	DisconnectAfterOK bool

	IsUpload           bool
	UploadLocalPath    string
	UploadRemotePath   string
	RestartAfterUpload bool

	ListPath     string
	DownloadPath string
}

// outboxCapacity bounds the mailbox so a caller that enqueues faster
// than the worker can drain it gets a clear signal (Send returning
// false) instead of unbounded growth; the reference implementation's
// std::queue is unbounded, but a bounded channel is the idiomatic Go
// replacement the mailbox design note calls for.
const outboxCapacity = 256

// mailbox is a buffered channel standing in for the reference
// implementation's mutex+condvar+queue: Go's channel already provides
// the blocking wait and the FIFO ordering, so no separate lock is
// needed here.
type mailbox chan OutboundMessage

func newMailbox() mailbox {
	return make(mailbox, outboxCapacity)
}

// send enqueues msg without blocking, reporting false if the mailbox
// is full.
func (m mailbox) send(msg OutboundMessage) bool {
	select {
	case m <- msg:
		return true
	default:
		return false
	}
}
