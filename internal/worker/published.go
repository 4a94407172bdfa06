// Package worker implements the client-side session worker: a
// background task that owns one RMI connection, drains a command
// mailbox, demultiplexes replies by expected kind, and publishes
// results (file listings, downloads, screencaps, version, errors)
// into mutex-guarded observable state for a caller to poll.
package worker

import "sync"

// FileEntry is one line of a LIST reply.
type FileEntry struct {
	Name  string
	IsDir bool
	Size  uint64
}

// FileListResult is the published outcome of one LIST command.
type FileListResult struct {
	Entries []FileEntry
	Error   string
	Version uint64
}

// DownloadResult is the published outcome of one DOWNLOAD command,
// updated incrementally as bytes arrive so a caller can show progress.
type DownloadResult struct {
	Data       []byte
	Error      string
	Version    uint64
	Total      uint64
	Received   uint64
	InProgress bool
}

// ScreencapResult is the published outcome of the most recent
// SCREENCAP command.
type ScreencapResult struct {
	PNG     []byte
	Pixels  []byte
	Width   int
	Height  int
	Version uint64
}

// publishedState holds every piece of shared state the worker writes
// and callers read. Each logical group is guarded by its own mutex, per
// the no-nested-locks, no-lock-across-socket-I/O rule: the worker never
// holds one of these while blocked on the connection.
type publishedState struct {
	fileMu    sync.Mutex
	fileLists map[string]*FileListResult
	downloads map[string]*DownloadResult

	screencapMu sync.Mutex
	screencap   *ScreencapResult

	versionMu  sync.Mutex
	version    uint32
	hasVersion bool

	errMu     sync.Mutex
	lastError string
}

func newPublishedState() *publishedState {
	return &publishedState{
		fileLists: make(map[string]*FileListResult),
		downloads: make(map[string]*DownloadResult),
	}
}

func (p *publishedState) setLastError(msg string) {
	p.errMu.Lock()
	p.lastError = msg
	p.errMu.Unlock()
}

func (p *publishedState) LastError() string {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastError
}

func (p *publishedState) setVersion(v uint32) {
	p.versionMu.Lock()
	p.version = v
	p.hasVersion = true
	p.versionMu.Unlock()
}

func (p *publishedState) Version() (uint32, bool) {
	p.versionMu.Lock()
	defer p.versionMu.Unlock()
	return p.version, p.hasVersion
}

func (p *publishedState) setScreencap(r *ScreencapResult) {
	p.screencapMu.Lock()
	if p.screencap != nil {
		r.Version = p.screencap.Version + 1
	} else {
		r.Version = 1
	}
	p.screencap = r
	p.screencapMu.Unlock()
}

func (p *publishedState) Screencap() (ScreencapResult, bool) {
	p.screencapMu.Lock()
	defer p.screencapMu.Unlock()
	if p.screencap == nil {
		return ScreencapResult{}, false
	}
	return *p.screencap, true
}

func (p *publishedState) setFileList(path string, entries []FileEntry, errMsg string) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	prev := p.fileLists[path]
	next := &FileListResult{Entries: entries, Error: errMsg}
	if prev != nil {
		next.Version = prev.Version + 1
	} else {
		next.Version = 1
	}
	p.fileLists[path] = next
}

func (p *publishedState) FileList(path string) (FileListResult, bool) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	r, ok := p.fileLists[path]
	if !ok {
		return FileListResult{}, false
	}
	return *r, true
}

func (p *publishedState) setDownload(path string, d DownloadResult) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	prev := p.downloads[path]
	if prev != nil {
		d.Version = prev.Version + 1
	} else {
		d.Version = 1
	}
	p.downloads[path] = &d
}

func (p *publishedState) updateDownloadProgress(path string, received, total uint64, inProgress bool) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	prev := p.downloads[path]
	next := &DownloadResult{Received: received, Total: total, InProgress: inProgress}
	if prev != nil {
		next.Version = prev.Version + 1
		next.Error = prev.Error
		next.Data = prev.Data
	} else {
		next.Version = 1
	}
	p.downloads[path] = next
}

func (p *publishedState) Download(path string) (DownloadResult, bool) {
	p.fileMu.Lock()
	defer p.fileMu.Unlock()
	r, ok := p.downloads[path]
	if !ok {
		return DownloadResult{}, false
	}
	return *r, true
}
