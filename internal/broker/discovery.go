package broker

import (
	"context"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/Indra5196/iceoryx/internal/chunkqueue"
	"github.com/Indra5196/iceoryx/internal/errorhandler"
	"github.com/Indra5196/iceoryx/internal/metrics"
	"github.com/Indra5196/iceoryx/internal/protocol"
)

// senderView is the broker side of a server or publisher
type senderView interface {
	ID() uint64
	Service() protocol.ServiceDescription
	Destroy()
	ToBeDestroyed() bool
	IsOffered() bool
	TryGetCaProMessage() (protocol.Message, bool)
	DispatchCaProMessageAndGetPossibleResponse(protocol.Message) (protocol.Message, bool)
	RevokeOffer()
	Reclaim()
}

// receiverView is the broker side of a client or subscriber
type receiverView interface {
	ID() uint64
	Service() protocol.ServiceDescription
	Destroy()
	ToBeDestroyed() bool
	Queue() chunkqueue.Pusher
	LostChunks() uint64
	ConnectedTo() (uint64, bool)
	TryGetCaProMessage() (protocol.Message, bool)
	DispatchCaProMessageAndGetPossibleResponse(protocol.Message) (protocol.Message, bool)
	Reclaim()
}

// portSet holds the two sides of one communication pattern
type portSet struct {
	senderKind   string
	receiverKind string
	senders      []senderView
	receivers    []receiverView
}

// wiredTo returns the sender holding r's queue
func (s *portSet) wiredTo(r receiverView) senderView {
	id, ok := r.ConnectedTo()
	if !ok {
		return nil
	}
	for _, p := range s.senders {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

// offered returns a sender other than except that offers sd
func (s *portSet) offered(sd protocol.ServiceDescription, except senderView) senderView {
	for _, p := range s.senders {
		if p != except && p.IsOffered() && p.Service() == sd {
			return p
		}
	}
	return nil
}

// Run performs a discovery pass every discovery interval until ctx is done
func (b *Broker) Run(ctx context.Context) error {
	t := time.NewTicker(b.cfg.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			b.DoDiscovery()
		}
	}
}

// DoDiscovery performs one discovery pass
// Destroyed ports are reclaimed first, then every port is polled once for a
// control message, which is routed to its peers before the next port is polled.
func (b *Broker) DoDiscovery() {
	if b.closed.Load() {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range []*portSet{&b.rpc, &b.pubsub} {
		b.reclaimLocked(set)
		for _, s := range set.senders {
			if msg, ok := s.TryGetCaProMessage(); ok {
				b.handleSenderLocked(set, s, msg)
			}
		}
		for _, r := range set.receivers {
			if msg, ok := r.TryGetCaProMessage(); ok {
				b.handleReceiverLocked(set, r, msg)
			}
		}
	}
	b.monitorLocked()
}

func (b *Broker) handleSenderLocked(set *portSet, s senderView, msg protocol.Message) {
	b.count(msg)
	log := b.log.With(zap.String("kind", set.senderKind), zap.Stringer("service", msg.Service), zap.Uint64("port", s.ID()))
	switch msg.Type {
	case protocol.MessageOffer:
		if err := b.registry.Add(msg.Service); err != nil {
			log.Error("offer refused", zap.Error(err))
			errorhandler.Report(b.handler, errorhandler.ServiceRegistryFull, errorhandler.Moderate,
				"%s %d (%s): %v", set.senderKind, s.ID(), msg.Service, err)
			s.RevokeOffer()
			return
		}
		log.Debug("offered")
		b.announceLocked(set, s, msg)
	case protocol.MessageStopOffer:
		b.registry.Remove(msg.Service)
		log.Debug("offer stopped")
		b.withdrawLocked(set, s, msg)
	default:
		errorhandler.Report(b.handler, errorhandler.CaproProtocolError, errorhandler.Fatal,
			"%s %d (%s) sent %s", set.senderKind, s.ID(), msg.Service, msg.Type)
	}
}

func (b *Broker) handleReceiverLocked(set *portSet, r receiverView, msg protocol.Message) {
	b.count(msg)
	log := b.log.With(zap.String("kind", set.receiverKind), zap.Stringer("service", msg.Service), zap.Uint64("port", r.ID()))
	switch msg.Type {
	case protocol.MessageConnect:
		sd := msg.Service
		var s senderView
		if len(b.registry.FindEvent(sd.Service(), sd.Instance(), sd.Event())) > 0 {
			s = set.offered(sd, nil)
		}
		if s == nil {
			log.Debug("nobody offers, waiting")
			b.answerLocked(r, msg.Reply(protocol.MessageNack, 0))
			return
		}
		log.Debug("connecting", zap.Uint64("peer", s.ID()))
		b.routeLocked(s, r, msg)
	case protocol.MessageDisconnect:
		reply := protocol.MessageNack
		if s := set.wiredTo(r); s != nil {
			if resp, ok := s.DispatchCaProMessageAndGetPossibleResponse(msg); ok && resp.Type == protocol.MessageAck {
				reply = protocol.MessageAck
			}
		}
		log.Debug("disconnected", zap.Stringer("answer", reply))
		b.answerLocked(r, msg.Reply(reply, 0))
	default:
		errorhandler.Report(b.handler, errorhandler.CaproProtocolError, errorhandler.Fatal,
			"%s %d (%s) sent %s", set.receiverKind, r.ID(), msg.Service, msg.Type)
	}
}

// announceLocked tells the receivers of offer's service about s and wires those that want it
func (b *Broker) announceLocked(set *portSet, s senderView, offer protocol.Message) {
	for _, r := range set.receivers {
		if r.Service() != offer.Service {
			continue
		}
		if req, ok := r.DispatchCaProMessageAndGetPossibleResponse(offer); ok {
			b.count(req)
			b.routeLocked(s, r, req)
		}
	}
}

// withdrawLocked unwires the receivers of s and points them at another sender of the service
// Receivers wired to a different sender of the service keep their wiring.
func (b *Broker) withdrawLocked(set *portSet, s senderView, stop protocol.Message) {
	for _, r := range set.receivers {
		if id, ok := r.ConnectedTo(); ok && id == s.ID() {
			b.answerLocked(r, stop)
		}
	}
	if other := set.offered(stop.Service, s); other != nil {
		b.announceLocked(set, other, protocol.NewMessage(protocol.MessageOffer, stop.Service, other.ID()))
	}
}

// routeLocked hands a receiver's request to s and the answer back to the receiver
func (b *Broker) routeLocked(s senderView, r receiverView, req protocol.Message) {
	resp, ok := s.DispatchCaProMessageAndGetPossibleResponse(req)
	if !ok {
		resp = req.Reply(protocol.MessageNack, s.ID())
	}
	b.count(resp)
	b.answerLocked(r, resp)
}

// answerLocked delivers msg to r, which must not answer it
func (b *Broker) answerLocked(r receiverView, msg protocol.Message) {
	if next, ok := r.DispatchCaProMessageAndGetPossibleResponse(msg); ok {
		errorhandler.Report(b.handler, errorhandler.CaproProtocolError, errorhandler.Severe,
			"port %d answered %s with %s", r.ID(), msg.Type, next.Type)
	}
}

// reclaimLocked unwires and reclaims the ports of set marked for destruction
// Queues leave every distributor before their memory is handed back.
func (b *Broker) reclaimLocked(set *portSet) {
	var senders []senderView
	set.senders = slices.DeleteFunc(set.senders, func(s senderView) bool {
		if s.ToBeDestroyed() {
			senders = append(senders, s)
			return true
		}
		return false
	})
	var receivers []receiverView
	set.receivers = slices.DeleteFunc(set.receivers, func(r receiverView) bool {
		if r.ToBeDestroyed() {
			receivers = append(receivers, r)
			return true
		}
		return false
	})

	for _, s := range senders {
		if s.IsOffered() {
			s.RevokeOffer()
			b.registry.Remove(s.Service())
			b.withdrawLocked(set, s, protocol.NewMessage(protocol.MessageStopOffer, s.Service(), s.ID()))
		}
		s.Reclaim()
		b.unparkLocked(s.ID())
		b.forgetLocked(set.senderKind, s.ID(), s.Service())
		b.log.Debug("port destroyed", zap.String("kind", set.senderKind), zap.Uint64("port", s.ID()))
	}
	for _, r := range receivers {
		if s := set.wiredTo(r); s != nil {
			dis := protocol.NewMessage(protocol.MessageDisconnect, r.Service(), r.ID())
			dis.Queue = r.Queue()
			s.DispatchCaProMessageAndGetPossibleResponse(dis)
		}
		r.Reclaim()
		b.unparkLocked(r.ID())
		b.forgetLocked(set.receiverKind, r.ID(), r.Service())
		b.log.Debug("port destroyed", zap.String("kind", set.receiverKind), zap.Uint64("port", r.ID()))
	}
}

func (b *Broker) shutdownLocked(set *portSet) {
	for _, s := range set.senders {
		s.Destroy()
	}
	for _, r := range set.receivers {
		r.Destroy()
	}
	b.reclaimLocked(set)
}

// lossReporter is implemented by senders that also own a receive queue
type lossReporter interface {
	LostChunks() uint64
}

func (b *Broker) monitorLocked() {
	for _, set := range []*portSet{&b.rpc, &b.pubsub} {
		for _, r := range set.receivers {
			b.observeLostLocked(set.receiverKind, r.ID(), r.Service(), r.LostChunks())
		}
		for _, s := range set.senders {
			if l, ok := s.(lossReporter); ok {
				b.observeLostLocked(set.senderKind, s.ID(), s.Service(), l.LostChunks())
			}
		}
	}
	if b.metrics == nil {
		return
	}
	b.metrics.ObservePools(b.mem.Pools())
	b.metrics.RegistrySize.Set(float64(b.registry.Size()))
	for _, set := range []*portSet{&b.rpc, &b.pubsub} {
		b.metrics.Ports.WithLabelValues(set.senderKind).Set(float64(len(set.senders)))
		b.metrics.Ports.WithLabelValues(set.receiverKind).Set(float64(len(set.receivers)))
	}
}

func (b *Broker) observeLostLocked(kind string, id uint64, sd protocol.ServiceDescription, lost uint64) {
	if prev := b.lost[id]; lost > prev {
		if b.lostWarn.Allow() {
			b.log.Warn("receive queue lost chunks",
				zap.String("kind", kind),
				zap.Stringer("service", sd),
				zap.Uint64("port", id),
				zap.Uint64("lost", lost-prev),
				zap.Uint64("total", lost))
		}
		b.lost[id] = lost
	}
	if b.metrics != nil {
		b.metrics.ObserveLostChunks(kind, sd.String(), id, lost)
	}
}

func (b *Broker) forgetLocked(kind string, id uint64, sd protocol.ServiceDescription) {
	delete(b.lost, id)
	if b.metrics != nil {
		b.metrics.ForgetPort(kind, sd.String(), id)
	}
}

func (b *Broker) count(msg protocol.Message) {
	if b.metrics != nil {
		b.metrics.CaProMessages.WithLabelValues(msg.Type.String()).Inc()
	}
}

// countingHandler counts every report before passing it on
func countingHandler(h errorhandler.Handler, m *metrics.Metrics) errorhandler.Handler {
	return errorhandler.HandlerFunc(func(err *errorhandler.Error) {
		m.HandlerReports.WithLabelValues(string(err.Code), err.Severity.String()).Inc()
		h.Report(err)
	})
}
