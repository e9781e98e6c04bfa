package ipc

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"reviewd/internal/config"
	"reviewd/internal/manifest"
	"reviewd/internal/region"
	"reviewd/internal/store"
	"reviewd/internal/tracker"
)

// Daemon is the surface the IPC handler drives. Implemented by
// tracker.Tracker.
type Daemon interface {
	Open(doc, text string)
	Close(doc string)
	HandleEdit(doc string, changes []tracker.Change, now time.Time)
	HandleSelection(doc string, startLine, endLine int)
	HandleSave(doc string)
	HandleRename(oldDoc, newDoc string)
	DismissAll(doc string)
	Regions(doc string) []region.Region
	OpenDocuments() []string
}

// DaemonHandler dispatches IPC messages to the tracker and its stores.
type DaemonHandler struct {
	daemon    Daemon
	regions   *region.Store
	gate      *manifest.Gate
	audit     *store.Store // may be nil
	cfg       *config.Config
	log       *slog.Logger
	version   string
	startedAt time.Time
	watched   func() int
	shutdown  func()
}

// HandlerOptions carries the daemon state the handler reports on.
type HandlerOptions struct {
	Daemon   Daemon
	Regions  *region.Store
	Gate     *manifest.Gate
	Audit    *store.Store
	Config   *config.Config
	Log      *slog.Logger
	Version  string
	Watched  func() int
	Shutdown func()
}

// NewDaemonHandler creates the daemon's message handler.
func NewDaemonHandler(opts HandlerOptions) *DaemonHandler {
	h := &DaemonHandler{
		daemon:    opts.Daemon,
		regions:   opts.Regions,
		gate:      opts.Gate,
		audit:     opts.Audit,
		cfg:       opts.Config,
		log:       opts.Log,
		version:   opts.Version,
		startedAt: time.Now(),
		watched:   opts.Watched,
		shutdown:  opts.Shutdown,
	}
	if h.watched == nil {
		h.watched = func() int { return 0 }
	}
	if h.shutdown == nil {
		h.shutdown = func() {}
	}
	return h
}

// HandleMessage implements Handler.
func (h *DaemonHandler) HandleMessage(_ context.Context, msg *Message) (*Message, error) {
	id := msg.Header.RequestID

	switch msg.Header.Type {
	case MsgDocOpen:
		var req DocOpenRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, "invalid open request"), nil
		}
		h.daemon.Open(req.Path, req.Text)
		return NewResponse(MsgAck, id, &Ack{Success: true})

	case MsgDocClose:
		var req DocCloseRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, "invalid close request"), nil
		}
		h.daemon.Close(req.Path)
		return NewResponse(MsgAck, id, &Ack{Success: true})

	case MsgDocEdit:
		var req DocEditRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, "invalid edit request"), nil
		}
		changes := make([]tracker.Change, len(req.Changes))
		for i, c := range req.Changes {
			changes[i] = tracker.Change{
				StartLine:      c.StartLine,
				EndLine:        c.EndLine,
				ReplacedLength: c.ReplacedLength,
				InsertedText:   c.InsertedText,
			}
		}
		h.daemon.HandleEdit(req.Path, changes, time.Unix(0, req.TimestampNs))
		return NewResponse(MsgAck, id, &Ack{Success: true})

	case MsgDocSelection:
		var req DocSelectionRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, "invalid selection request"), nil
		}
		h.daemon.HandleSelection(req.Path, req.StartLine, req.EndLine)
		return NewResponse(MsgAck, id, &Ack{Success: true})

	case MsgDocSave:
		var req DocSaveRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, "invalid save request"), nil
		}
		h.daemon.HandleSave(req.Path)
		return NewResponse(MsgAck, id, &Ack{Success: true})

	case MsgDocRename:
		var req DocRenameRequest
		if err := Decode(msg.Payload, &req); err != nil {
			return NewErrorMessage(id, ErrInvalidRequest, "invalid rename request"), nil
		}
		h.daemon.HandleRename(req.OldPath, req.NewPath)
		return NewResponse(MsgAck, id, &Ack{Success: true})

	case MsgStatus:
		return h.handleStatus(id)

	case MsgRegions:
		return h.handleRegions(id, msg)

	case MsgDismiss:
		return h.handleDismiss(id, msg)

	case MsgHistory:
		return h.handleHistory(id, msg)

	case MsgGetConfig:
		d := h.cfg.Thresholds()
		return NewResponse(MsgGetConfigResp, id, &DetectionConfig{
			MinPasteLines:      d.MinPasteLines,
			MinStreamingLines:  d.MinStreamingLines,
			TypingSpeedCPS:     d.TypingSpeedCPS,
			DebounceMs:         d.DebounceMs,
			WholeDocumentRatio: d.WholeDocumentRatio,
		})

	case MsgSetConfig:
		return h.handleSetConfig(id, msg)

	case MsgShutdown:
		h.log.Info("shutdown requested over ipc")
		go h.shutdown()
		return NewResponse(MsgAck, id, &Ack{Success: true})

	default:
		return NewErrorMessage(id, ErrInvalidRequest, "unknown message type"), nil
	}
}

func (h *DaemonHandler) handleStatus(id uint32) (*Message, error) {
	open := h.daemon.OpenDocuments()
	sort.Strings(open)

	flagged := h.regions.Documents()
	sort.Strings(flagged)

	resp := &StatusResponse{
		Version:       h.version,
		StartedAt:     h.startedAt,
		Uptime:        time.Since(h.startedAt),
		WorkspaceRoot: h.gate.Root(),
		OpenDocuments: open,
		FlaggedFiles:  flagged,
		WatchedFiles:  h.watched(),
	}
	if h.audit != nil {
		counts, err := h.audit.CountByKind()
		if err != nil {
			h.log.Warn("detection count query failed", "error", err)
		} else {
			resp.DetectionCounts = counts
		}
	}
	return NewResponse(MsgStatusResp, id, resp)
}

func (h *DaemonHandler) handleRegions(id uint32, msg *Message) (*Message, error) {
	var req RegionsRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "invalid regions request"), nil
	}

	docs := []string{req.Path}
	if req.Path == "" {
		docs = h.regions.Documents()
	}

	resp := &RegionsResponse{Documents: make(map[string][]RegionInfo)}
	for _, doc := range docs {
		regs := h.daemon.Regions(doc)
		if len(regs) == 0 {
			continue
		}
		infos := make([]RegionInfo, len(regs))
		for i, r := range regs {
			infos[i] = RegionInfo{ID: r.ID, StartLine: r.Start, EndLine: r.End}
		}
		resp.Documents[doc] = infos
	}
	return NewResponse(MsgRegionsResp, id, resp)
}

func (h *DaemonHandler) handleDismiss(id uint32, msg *Message) (*Message, error) {
	var req DismissRequest
	if err := Decode(msg.Payload, &req); err != nil || req.Path == "" {
		return NewErrorMessage(id, ErrInvalidRequest, "invalid dismiss request"), nil
	}

	if req.All {
		h.daemon.DismissAll(req.Path)
	} else {
		h.daemon.HandleSelection(req.Path, req.StartLine, req.EndLine)
	}
	return NewResponse(MsgAck, id, &Ack{Success: true})
}

func (h *DaemonHandler) handleHistory(id uint32, msg *Message) (*Message, error) {
	var req HistoryRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "invalid history request"), nil
	}
	if h.audit == nil {
		return NewResponse(MsgHistoryResp, id, &HistoryResponse{})
	}

	dets, err := h.audit.Recent(req.Path, req.Limit)
	if err != nil {
		return NewErrorMessage(id, ErrInternalError, err.Error()), nil
	}

	resp := &HistoryResponse{Detections: make([]DetectionInfo, len(dets))}
	for i, d := range dets {
		resp.Detections[i] = DetectionInfo{
			Timestamp: d.Timestamp,
			Path:      d.FilePath,
			Kind:      d.Kind,
			StartLine: d.StartLine,
			EndLine:   d.EndLine,
			LineCount: d.LineCount,
			CharCount: d.CharCount,
			SpeedCPS:  d.SpeedCPS,
		}
	}
	return NewResponse(MsgHistoryResp, id, resp)
}

func (h *DaemonHandler) handleSetConfig(id uint32, msg *Message) (*Message, error) {
	var req DetectionConfig
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, "invalid config"), nil
	}

	d := config.DetectionConfig{
		MinPasteLines:      req.MinPasteLines,
		MinStreamingLines:  req.MinStreamingLines,
		TypingSpeedCPS:     req.TypingSpeedCPS,
		DebounceMs:         req.DebounceMs,
		WholeDocumentRatio: req.WholeDocumentRatio,
	}
	if err := d.Validate(); err != nil {
		return NewErrorMessage(id, ErrInvalidRequest, err.Error()), nil
	}

	h.cfg.SetDetection(d)
	h.log.Info("detection thresholds updated over ipc")
	return NewResponse(MsgAck, id, &Ack{Success: true})
}
