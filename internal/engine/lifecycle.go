package engine

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/primetrades/primetrades/internal/exchange"
	"github.com/primetrades/primetrades/internal/journal"
	"github.com/primetrades/primetrades/internal/msg"
	"github.com/primetrades/primetrades/internal/obs"
	"github.com/primetrades/primetrades/internal/trade"
)

// Everything in this file runs on the engine loop goroutine.

// dispatchSubmit sends the order to the venue from a worker. The order
// moves to Submitted for the duration of the attempt.
func (e *Engine) dispatchSubmit(mo *managedOrder) {
	if mo.inflight || mo.order.State.Terminal() {
		return
	}
	mo.inflight = true
	mo.order.Attempts++
	mo.order.State = trade.StateSubmitted
	mo.order.UpdatedAt = time.Now()
	if mo.order.Attempts > 1 {
		obs.IncSubmitRetry()
	}
	e.persist(mo.order)

	o := mo.order
	e.goWorker(func() {
		ack, err := e.gw.Submit(e.ctx, o)
		e.run(func() { e.onSubmitResult(o.ClientID, ack, err) })
	})
}

func (e *Engine) onSubmitResult(clientID string, ack exchange.Ack, err error) {
	mo, ok := e.orders[clientID]
	if !ok {
		return
	}
	mo.inflight = false
	if mo.order.State.Terminal() {
		return
	}

	if err != nil {
		if re, rejected := trade.IsRejection(err); rejected {
			e.logger.Warn("order rejected by venue",
				zap.String("client_id", clientID),
				zap.Int("code", re.Code),
				zap.String("reason", re.Reason),
			)
			e.finalize(mo, trade.StateRejected, re.Reason)
			return
		}
		// Transient or unclassified: the venue may or may not have
		// seen the order. Retrying with the same client id is safe.
		if mo.order.Attempts >= e.cfg.SubmitAttempts {
			e.logger.Error("submit attempts exhausted",
				zap.String("client_id", clientID),
				zap.Int("attempts", mo.order.Attempts),
				zap.Error(err),
			)
			e.finalize(mo, trade.StateExpired, "submit attempts exhausted")
			return
		}
		mo.order.State = trade.StatePending
		mo.order.UpdatedAt = time.Now()
		e.persist(mo.order)
		delay := e.retryDelay(mo.order.Attempts)
		e.logger.Warn("submit failed, will retry",
			zap.String("client_id", clientID),
			zap.Int("attempt", mo.order.Attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		stopTimer(mo.retryTimer)
		mo.retryTimer = time.AfterFunc(delay, func() {
			e.run(func() { e.onRetryTimer(clientID) })
		})
		return
	}

	if ack.ExchangeID != "" {
		e.onAcknowledged(mo, ack.ExchangeID)
		return
	}
	// Async venue: the ack arrives on the event stream, or the timer
	// falls back to a status query.
	e.armAckTimer(mo)
}

func (e *Engine) onRetryTimer(clientID string) {
	mo, ok := e.orders[clientID]
	if !ok || mo.inflight || mo.order.State != trade.StatePending {
		return
	}
	e.dispatchSubmit(mo)
}

func (e *Engine) onAcknowledged(mo *managedOrder, exchangeID string) {
	if mo.order.State.Terminal() {
		return
	}
	switch mo.order.State {
	case trade.StateAcknowledged, trade.StatePartiallyFilled:
		// Duplicate ack, e.g. REST response and stream event for the
		// same order.
		e.logger.Debug("duplicate acknowledgement ignored", zap.String("client_id", mo.order.ClientID))
		return
	}
	if exchangeID != "" {
		mo.order.ExchangeID = exchangeID
	}
	mo.order.State = trade.StateAcknowledged
	mo.order.UpdatedAt = time.Now()
	stopTimer(mo.retryTimer)
	stopTimer(mo.ackTimer)
	e.persistWithEvent(mo.order, "")
	obs.IncOrderState(mo.order.State.String())
	e.logger.Info("order acknowledged",
		zap.String("client_id", mo.order.ClientID),
		zap.String("exchange_id", mo.order.ExchangeID),
	)
	if mo.cancelWanted {
		e.dispatchCancel(mo)
	}
}

// dispatchCancel revokes the order at the venue. Runs only for orders
// the venue can identify.
func (e *Engine) dispatchCancel(mo *managedOrder) {
	if mo.order.State.Terminal() {
		return
	}
	if mo.inflight {
		mo.cancelWanted = true
		return
	}
	mo.inflight = true
	mo.cancelWanted = false
	mo.cancelTries++

	o := mo.order
	e.goWorker(func() {
		err := e.gw.Cancel(e.ctx, o.Symbol, o.ClientID, o.ExchangeID)
		e.run(func() { e.onCancelResult(o.ClientID, err) })
	})
}

func (e *Engine) onCancelResult(clientID string, err error) {
	mo, ok := e.orders[clientID]
	if !ok {
		return
	}
	mo.inflight = false
	if mo.order.State.Terminal() {
		return
	}

	switch {
	case err == nil:
		// Confirmation arrives on the event stream; the timer covers
		// a lost confirmation.
		e.armAckTimer(mo)
	case errors.Is(err, trade.ErrUnknownOrder):
		// The venue cannot see the order: it either never arrived or
		// already reached a terminal state there. Ask.
		e.dispatchQuery(mo, true)
	default:
		if _, rejected := trade.IsRejection(err); rejected {
			// Too late to cancel; adopt whatever the venue decided.
			e.dispatchQuery(mo, true)
			return
		}
		if mo.cancelTries >= e.cfg.SubmitAttempts {
			e.logger.Error("cancel attempts exhausted, leaving to reconciliation",
				zap.String("client_id", clientID),
				zap.Error(err),
			)
			return
		}
		delay := e.retryDelay(mo.cancelTries)
		e.logger.Warn("cancel failed, will retry",
			zap.String("client_id", clientID),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		stopTimer(mo.retryTimer)
		mo.retryTimer = time.AfterFunc(delay, func() {
			e.run(func() {
				if mo, ok := e.orders[clientID]; ok {
					e.dispatchCancel(mo)
				}
			})
		})
	}
}

// armAckTimer schedules a status query for an order whose ack or
// cancel confirmation has not arrived in time.
func (e *Engine) armAckTimer(mo *managedOrder) {
	clientID := mo.order.ClientID
	stopTimer(mo.ackTimer)
	mo.ackTimer = time.AfterFunc(e.cfg.AckTimeout, func() {
		e.run(func() { e.onAckTimeout(clientID) })
	})
}

func (e *Engine) onAckTimeout(clientID string) {
	mo, ok := e.orders[clientID]
	if !ok || mo.order.State.Terminal() || mo.order.State == trade.StatePending {
		return
	}
	e.logger.Warn("no acknowledgement in time, querying venue", zap.String("client_id", clientID))
	e.dispatchQuery(mo, false)
}

func (e *Engine) armStuckTimer(mo *managedOrder) {
	clientID := mo.order.ClientID
	stopTimer(mo.stuckTimer)
	mo.stuckTimer = time.AfterFunc(e.cfg.StuckTimeout, func() {
		e.run(func() { e.onStuckTimeout(clientID) })
	})
}

func (e *Engine) onStuckTimeout(clientID string) {
	mo, ok := e.orders[clientID]
	if !ok || mo.order.State.Terminal() {
		return
	}
	e.logger.Warn("order unresolved past stuck ceiling",
		zap.String("client_id", clientID),
		zap.String("state", mo.order.State.String()),
	)
	e.dispatchQuery(mo, true)
}

// dispatchQuery asks the venue for its view of the order. strict means
// the order is out of patience: a venue that does not know it expires
// it regardless of remaining submit budget.
func (e *Engine) dispatchQuery(mo *managedOrder, strict bool) {
	if mo.order.State.Terminal() {
		return
	}
	if mo.inflight {
		// A mutating request is running; its result will arrive
		// first. Try again afterwards.
		e.armAckTimer(mo)
		return
	}
	mo.inflight = true

	o := mo.order
	e.goWorker(func() {
		st, err := e.gw.QueryStatus(e.ctx, o.Symbol, o.ClientID)
		e.run(func() { e.onQueryResult(o.ClientID, st, err, strict) })
	})
}

func (e *Engine) onQueryResult(clientID string, st exchange.OrderStatus, err error, strict bool) {
	mo, ok := e.orders[clientID]
	if !ok {
		return
	}
	mo.inflight = false
	if mo.order.State.Terminal() {
		return
	}

	if err != nil {
		if errors.Is(err, trade.ErrUnknownOrder) {
			e.onVenueUnknown(mo, strict)
			return
		}
		e.logger.Warn("status query failed, will retry",
			zap.String("client_id", clientID),
			zap.Error(err),
		)
		e.armAckTimer(mo)
		return
	}

	e.adoptStatus(mo, st)
	if !mo.order.State.Terminal() && strict {
		e.armStuckTimer(mo)
	}
}

// onVenueUnknown handles a venue that has no record of the order.
func (e *Engine) onVenueUnknown(mo *managedOrder, strict bool) {
	resubmittable := mo.order.State == trade.StatePending || mo.order.State == trade.StateSubmitted
	if resubmittable && !strict && mo.order.Attempts < e.cfg.SubmitAttempts {
		mo.order.State = trade.StatePending
		e.dispatchSubmit(mo)
		return
	}
	if !resubmittable {
		// The venue acknowledged this order once and has now
		// forgotten it.
		obs.IncReconcileMismatch()
	}
	e.finalize(mo, trade.StateExpired, "venue does not know order")
}

// adoptStatus reconciles one order against the venue's answer. The
// venue always wins: missing fills are synthesized, a diverging state
// is taken over.
func (e *Engine) adoptStatus(mo *managedOrder, st exchange.OrderStatus) {
	if st.ExchangeID != "" && mo.order.ExchangeID == "" {
		mo.order.ExchangeID = st.ExchangeID
	}

	if st.FilledQty > mo.order.FilledQty+qtyEpsilon {
		delta := st.FilledQty - mo.order.FilledQty
		price := impliedFillPrice(mo.order, st, delta)
		obs.IncReconcileMismatch()
		e.logger.Warn("venue reports fills the stream never delivered, synthesizing",
			zap.String("client_id", mo.order.ClientID),
			zap.Float64("delta_qty", delta),
			zap.Float64("price", price),
		)
		e.applyFill(mo, trade.Fill{
			OrderClientID: mo.order.ClientID,
			Symbol:        mo.order.Symbol,
			Side:          mo.order.Side,
			Qty:           delta,
			Price:         price,
			Final:         st.State == trade.StateFilled,
			At:            time.Now(),
		}, true)
	} else if st.FilledQty < mo.order.FilledQty-qtyEpsilon {
		obs.IncInvariantDefect()
		e.logger.Error("venue reports less filled quantity than journaled",
			zap.String("client_id", mo.order.ClientID),
			zap.Float64("local", mo.order.FilledQty),
			zap.Float64("venue", st.FilledQty),
		)
	}
	if mo.order.State.Terminal() {
		// The synthesized fill completed or rejected the order.
		return
	}

	if st.State == mo.order.State || st.State == trade.StateUnknown {
		return
	}
	switch st.State {
	case trade.StateCancelled:
		e.finalize(mo, trade.StateCancelled, "cancelled at venue")
	case trade.StateRejected:
		e.finalize(mo, trade.StateRejected, "rejected at venue")
	case trade.StateExpired:
		e.finalize(mo, trade.StateExpired, "expired at venue")
	case trade.StateFilled:
		e.finalize(mo, trade.StateFilled, "")
	case trade.StateAcknowledged:
		e.onAcknowledged(mo, st.ExchangeID)
	case trade.StatePartiallyFilled:
		if mo.order.State == trade.StatePending || mo.order.State == trade.StateSubmitted {
			e.onAcknowledged(mo, st.ExchangeID)
		}
		mo.order.State = trade.StatePartiallyFilled
		mo.order.UpdatedAt = time.Now()
		e.persist(mo.order)
	}
}

// impliedFillPrice derives the price of the missing quantity from the
// venue's average, falling back to whatever price is known.
func impliedFillPrice(local trade.Order, st exchange.OrderStatus, delta float64) float64 {
	if st.AvgFillPrice > 0 && local.FilledQty > 0 {
		implied := (st.FilledQty*st.AvgFillPrice - local.FilledQty*local.AvgFillPrice) / delta
		if implied > 0 {
			return implied
		}
	}
	if st.AvgFillPrice > 0 {
		return st.AvgFillPrice
	}
	return local.Price
}

func (e *Engine) onGatewayEvent(ev exchange.Event) {
	if ev.Kind == exchange.EventReconnected {
		e.logger.Warn("gateway stream reconnected, reconciling")
		e.reconcileAll()
		return
	}

	mo, ok := e.orders[ev.ClientID]
	if !ok {
		e.onOrphanEvent(ev)
		return
	}
	switch ev.Kind {
	case exchange.EventAck:
		e.onAcknowledged(mo, ev.ExchangeID)
	case exchange.EventFill:
		if mo.order.ExchangeID == "" && ev.ExchangeID != "" {
			mo.order.ExchangeID = ev.ExchangeID
		}
		e.applyFill(mo, ev.Fill, false)
	case exchange.EventCancelled:
		e.finalize(mo, trade.StateCancelled, ev.Reason)
	case exchange.EventExpired:
		e.finalize(mo, trade.StateExpired, ev.Reason)
	case exchange.EventReject:
		e.finalize(mo, trade.StateRejected, ev.Reason)
	}
}

// onOrphanEvent handles events for orders the engine is not tracking:
// late events for finalized orders, or activity from another client on
// the same account.
func (e *Engine) onOrphanEvent(ev exchange.Event) {
	if ev.Kind != exchange.EventFill {
		e.logger.Debug("event for untracked order ignored",
			zap.String("kind", ev.Kind.String()),
			zap.String("client_id", ev.ClientID),
		)
		return
	}
	if _, err := e.store.Order(e.ctx, ev.ClientID); err == nil {
		// A fill after the order was finalized locally. The position
		// is now wrong until someone intervenes.
		obs.IncInvariantDefect()
		e.logger.Error("fill arrived for an already finalized order",
			zap.String("client_id", ev.ClientID),
			zap.Float64("qty", ev.Fill.Qty),
		)
		return
	}
	e.logger.Warn("fill for unknown order ignored",
		zap.String("client_id", ev.ClientID),
		zap.String("symbol", ev.Symbol),
	)
}

// applyFill folds an execution into the order, the ledger and the
// journal. Overfills reject the order and halt the symbol.
func (e *Engine) applyFill(mo *managedOrder, f trade.Fill, synthetic bool) {
	if f.Qty <= 0 {
		return
	}
	o := &mo.order
	if o.FilledQty+f.Qty > o.Qty+qtyEpsilon {
		obs.IncInvariantDefect()
		e.logger.Error("fill exceeds order quantity, halting symbol",
			zap.String("client_id", o.ClientID),
			zap.String("symbol", o.Symbol),
			zap.Float64("order_qty", o.Qty),
			zap.Float64("filled_qty", o.FilledQty),
			zap.Float64("fill_qty", f.Qty),
		)
		e.gate.Halt(o.Symbol, "overfill on order "+o.ClientID)
		e.finalize(mo, trade.StateRejected, trade.ErrOverFill.Error())
		return
	}

	if f.At.IsZero() {
		f.At = time.Now()
	}
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledQty + f.Qty*f.Price) / (o.FilledQty + f.Qty)
	o.FilledQty += f.Qty
	if f.Final || o.Remaining() <= qtyEpsilon {
		o.State = trade.StateFilled
	} else {
		o.State = trade.StatePartiallyFilled
	}
	o.UpdatedAt = f.At
	f.Final = o.State == trade.StateFilled

	pos := e.book.Apply(f)
	e.recordFill(mo, f, synthetic, pos)
	obs.IncFill()
	obs.IncOrderState(o.State.String())
	e.logger.Info("fill applied",
		zap.String("client_id", o.ClientID),
		zap.String("symbol", o.Symbol),
		zap.Float64("qty", f.Qty),
		zap.Float64("price", f.Price),
		zap.Bool("final", f.Final),
		zap.Bool("synthetic", synthetic),
		zap.Float64("position", pos.Qty),
	)

	if o.State == trade.StateFilled {
		e.retire(mo)
	}
}

// recordFill journals the fill with its announcements in one
// transaction: the fill, the resulting position and the order state.
func (e *Engine) recordFill(mo *managedOrder, f trade.Fill, synthetic bool, pos trade.Position) {
	now := f.At.UnixMilli()

	fillID := journal.NewEventID()
	fillMsg := msg.FillEventMsg{
		EventID:      fillID,
		ClientID:     f.OrderClientID,
		Symbol:       f.Symbol,
		Side:         string(f.Side),
		Qty:          f.Qty,
		Price:        f.Price,
		Final:        f.Final,
		Synthetic:    synthetic,
		TsUnixMillis: now,
	}
	posID := journal.NewEventID()
	posMsg := msg.PositionEventMsg{
		EventID:       posID,
		Symbol:        pos.Symbol,
		Qty:           pos.Qty,
		AvgEntryPrice: pos.AvgEntryPrice,
		RealizedPnL:   pos.RealizedPnL,
		TsUnixMillis:  now,
	}
	ordMsg := e.orderEvent(mo.order, "")

	events := make([]journal.OutboxEvent, 0, 3)
	appendEvent := func(id, topic string, payload any) {
		ev, err := journal.NewOutboxEvent(id, mo.order.ClientID, topic, payload)
		if err != nil {
			e.logger.Error("failed to build outbox event", zap.Error(err))
			return
		}
		events = append(events, ev)
	}
	appendEvent(fillID, msg.TopicFillEvents, fillMsg)
	appendEvent(posID, msg.TopicPositionEvents, posMsg)
	appendEvent(ordMsg.EventID, msg.TopicOrderEvents, ordMsg)

	if err := e.store.SaveFill(e.ctx, mo.order, f, events...); err != nil {
		e.logger.Error("failed to journal fill",
			zap.String("client_id", mo.order.ClientID),
			zap.Error(err),
		)
	}
	e.notify("fills", fillMsg)
	e.notify("positions", posMsg)
	e.notify("orders", ordMsg)
}

// finalize moves an order into a terminal state that did not come from
// a fill: cancelled, rejected, expired, or adopted as filled.
func (e *Engine) finalize(mo *managedOrder, state trade.OrderState, reason string) {
	mo.order.State = state
	mo.order.UpdatedAt = time.Now()
	e.persistWithEvent(mo.order, reason)
	obs.IncOrderState(state.String())
	e.logger.Info("order finalized",
		zap.String("client_id", mo.order.ClientID),
		zap.String("state", state.String()),
		zap.String("reason", reason),
	)
	e.retire(mo)
}

// retire drops a terminal order from the working set and returns its
// risk reservation.
func (e *Engine) retire(mo *managedOrder) {
	stopTimer(mo.retryTimer)
	stopTimer(mo.ackTimer)
	stopTimer(mo.stuckTimer)
	e.gate.Release(mo.order.ClientID)
	delete(e.orders, mo.order.ClientID)
	obs.SetOpenOrders(len(e.orders))
}

func (e *Engine) reconcileAll() {
	n := 0
	for _, mo := range e.orders {
		if !mo.inflight && !mo.order.State.Terminal() {
			e.dispatchQuery(mo, false)
			n++
		}
	}
	if n > 0 {
		e.logger.Info("reconciling open orders against venue", zap.Int("orders", n))
	}
}

// persist journals the order without announcing anything. Used for
// transport-level transitions (Pending/Submitted churn).
func (e *Engine) persist(o trade.Order) {
	if err := e.store.SaveOrder(e.ctx, o); err != nil {
		e.logger.Error("failed to journal order",
			zap.String("client_id", o.ClientID),
			zap.Error(err),
		)
	}
}

// persistWithEvent journals the order together with its announcement.
func (e *Engine) persistWithEvent(o trade.Order, reason string) {
	payload := e.orderEvent(o, reason)
	ev, err := journal.NewOutboxEvent(payload.EventID, o.ClientID, msg.TopicOrderEvents, payload)
	if err != nil {
		e.logger.Error("failed to build outbox event", zap.Error(err))
		e.persist(o)
		return
	}
	if err := e.store.SaveOrder(e.ctx, o, ev); err != nil {
		e.logger.Error("failed to journal order",
			zap.String("client_id", o.ClientID),
			zap.Error(err),
		)
	}
	e.notify("orders", payload)
}

func (e *Engine) orderEvent(o trade.Order, reason string) msg.OrderEventMsg {
	return msg.OrderEventMsg{
		EventID:      journal.NewEventID(),
		ClientID:     o.ClientID,
		ExchangeID:   o.ExchangeID,
		Symbol:       o.Symbol,
		Side:         string(o.Side),
		Type:         string(o.Type),
		State:        o.State.String(),
		Qty:          o.Qty,
		Price:        o.Price,
		FilledQty:    o.FilledQty,
		Reason:       reason,
		TsUnixMillis: time.Now().UnixMilli(),
	}
}

func (e *Engine) retryDelay(attempt int) time.Duration {
	d := e.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
