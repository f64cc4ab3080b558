package wsevent

import "github.com/rs/zerolog"

// ZerologSink adapts a zerolog.Logger to the Sink interface.
type ZerologSink struct {
	Logger zerolog.Logger
}

// NewZerologSink returns a Sink that writes every Event as one zerolog
// entry at a level derived from its Kind.
func NewZerologSink(logger zerolog.Logger) *ZerologSink {
	return &ZerologSink{Logger: logger}
}

func (s *ZerologSink) OnEvent(ev Event) {
	var e *zerolog.Event
	switch ev.Kind {
	case HandshakeFailed, InternalError:
		e = s.Logger.Error()
	case KeepAliveTimeout, CloseInitiated, CloseCompleted:
		e = s.Logger.Warn()
	default:
		e = s.Logger.Debug()
	}

	e = e.Str("event", ev.Kind.String()).Time("ts", ev.Time)
	if ev.ConnID != "" {
		e = e.Str("conn_id", ev.ConnID)
	}
	if ev.Opcode != "" {
		e = e.Str("opcode", ev.Opcode)
	}
	if ev.State != "" {
		e = e.Str("state", ev.State)
	}
	if ev.Status != 0 {
		e = e.Uint16("status", ev.Status)
	}
	if ev.Err != nil {
		e = e.Err(ev.Err)
	}
	e.Msg(ev.Message)
}
