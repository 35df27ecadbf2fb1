package orch

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
)

// Request methods.
const (
	MethodJoinRoom             = "joinRoom"
	MethodLeaveRoom            = "leaveRoom"
	MethodSendMessage          = "sendMessage"
	MethodReceiveVideoFrom     = "receiveVideoFrom"
	MethodUnsubscribeFromVideo = "unsubscribeFromVideo"
	MethodUnpublishVideo       = "unpublishVideo"
	MethodOnIceCandidate       = "onIceCandidate"
	MethodApplyFilter          = "applyFilter"
	MethodRevertFilter         = "revertFilter"
)

// Call is one inbound request, already split by the transport.
type Call struct {
	Request domain.ParticipantRequest
	Method  string
	Params  json.RawMessage
	// Sink receives the caller's notifications; used by joinRoom.
	Sink core.NotificationSink
}

// Result is what a continuation receives: either Payload or Err.
type Result struct {
	Request domain.ParticipantRequest
	Payload any
	Err     *domain.RoomError
}

type joinParams struct {
	Room string `json:"room"`
	User string `json:"user"`
}

type messageParams struct {
	Room    string `json:"room"`
	User    string `json:"user"`
	Message string `json:"message"`
}

type videoParams struct {
	Sender   string `json:"sender"`
	SdpOffer string `json:"sdpOffer"`
}

type candidateParams struct {
	EndpointName  string `json:"endpointName"`
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type filterParams struct {
	Type     string `json:"type"`
	FilterID string `json:"filterId"`
}

// Dispatch runs call on its own goroutine and hands the outcome to done
// exactly once. Results for one participant may arrive in any order.
func (o *Orchestrator) Dispatch(ctx context.Context, call Call, done func(Result)) {
	go func() {
		res := Result{Request: call.Request}
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("module", "orch").Str("request", call.Request.String()).Str("method", call.Method).Interface("panic", r).Msg("operation aborted")
				res.Payload = nil
				res.Err = domain.NewError(domain.KindInternal, "%s aborted", call.Method)
			}
			done(res)
		}()

		payload, err := o.invoke(ctx, call)
		if err != nil {
			res.Err = asRoomError(err)
			log.Debug().Str("module", "orch").Str("request", call.Request.String()).Str("method", call.Method).Int("code", res.Err.Code()).Msg(res.Err.Message)
			return
		}
		res.Payload = payload
	}()
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.WrapError(domain.KindInvalidRequest, err, "malformed params")
	}
	return nil
}

func (o *Orchestrator) invoke(ctx context.Context, call Call) (any, error) {
	req := call.Request
	switch call.Method {
	case MethodJoinRoom:
		var p joinParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		if call.Sink == nil {
			return nil, domain.NewError(domain.KindInternal, "joinRoom without a notification sink")
		}
		return o.JoinRoom(ctx, req, domain.RoomName(p.Room), p.User, call.Sink)
	case MethodLeaveRoom:
		return o.LeaveRoom(req)
	case MethodSendMessage:
		var p messageParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return o.SendMessage(req, domain.RoomName(p.Room), p.User, p.Message)
	case MethodReceiveVideoFrom:
		var p videoParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return o.ReceiveVideoFrom(req, p.Sender, p.SdpOffer)
	case MethodUnsubscribeFromVideo:
		var p videoParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return o.UnsubscribeFromVideo(req, p.Sender)
	case MethodUnpublishVideo:
		return o.UnpublishVideo(req)
	case MethodOnIceCandidate:
		var p candidateParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		c := domain.Candidate{Candidate: p.Candidate, SDPMid: p.SDPMid, SDPMLineIndex: p.SDPMLineIndex}
		return o.OnIceCandidate(req, p.EndpointName, c)
	case MethodApplyFilter:
		var p filterParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return o.ApplyFilter(req, p.Type)
	case MethodRevertFilter:
		var p filterParams
		if err := decode(call.Params, &p); err != nil {
			return nil, err
		}
		return o.RevertFilter(req, p.FilterID)
	}
	return nil, domain.NewError(domain.KindInternal, "unknown method %q", call.Method)
}
