package trade

import "fmt"

// State enumerates the trade lifecycle.
type State string

const (
	StateDraft                     State = "draft"
	StateAwaitingSellerSignature   State = "awaiting_seller_signature"
	StateAwaitingBuyerSignature    State = "awaiting_buyer_signature"
	StateSignatureDeadlineMissed   State = "signature_deadline_missed"
	StateAwaitingFunding           State = "awaiting_funding"
	StateFunded                    State = "funded"
	StateShipped                   State = "shipped"
	StateDeliveredPendingConfirm   State = "delivered_pending_confirmation"
	StateInspection                State = "inspection"
	StateAccepted                  State = "accepted"
	StateRejected                  State = "rejected"
	StateReleased                  State = "released"
	StateReturnInTransit           State = "return_in_transit"
	StateReturnDeliveredPendingCfm State = "return_delivered_pending_confirmation"
	StateReturnInspection          State = "return_inspection"
	StateReturned                  State = "returned"
	StateRefunded                  State = "refunded"
	StateDisputed                  State = "disputed"
	StateResolvedRelease           State = "resolved_release"
	StateResolvedRefund            State = "resolved_refund"
	StateResolvedSplit             State = "resolved_split"
)

// Event enumerates the transitions the engine understands.
type Event string

const (
	EventSendForSignature          Event = "send_for_signature"
	EventSellerSigns               Event = "seller_signs"
	EventBuyerSigns                Event = "buyer_signs"
	EventCancelSignature           Event = "cancel_signature"
	EventSignatureDeadlineExpired  Event = "signature_deadline_expired"
	EventRetrySignature            Event = "retry_signature"
	EventMarkFunded                Event = "mark_funded"
	EventMarkShipped               Event = "mark_shipped"
	EventMarkDelivered             Event = "mark_delivered"
	EventConfirmReceipt            Event = "confirm_receipt"
	EventAutoConfirmReceipt        Event = "auto_confirm_receipt"
	EventAccept                    Event = "accept"
	EventReject                    Event = "reject"
	EventRelease                   Event = "release"
	EventMarkReturnShipped         Event = "mark_return_shipped"
	EventMarkReturnDelivered       Event = "mark_return_delivered"
	EventConfirmReturnReceipt      Event = "confirm_return_receipt"
	EventAcceptReturn              Event = "accept_return"
	EventRejectReturn              Event = "reject_return"
	EventRefund                    Event = "refund"
	EventOpenDispute               Event = "open_dispute"
	EventResolveWithRelease        Event = "resolve_with_release"
	EventResolveWithRefund         Event = "resolve_with_refund"
	EventResolveWithSplit          Event = "resolve_with_split"
)

var terminalStates = map[State]bool{
	StateReleased:        true,
	StateRefunded:        true,
	StateResolvedRelease: true,
	StateResolvedRefund:  true,
	StateResolvedSplit:   true,
}

// Terminal reports whether the trade has reached a settled end state.
func (s State) Terminal() bool {
	return terminalStates[s]
}

type transition struct {
	from map[State]bool
	to   State
}

func states(ss ...State) map[State]bool {
	m := make(map[State]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

// table is the explicit (state, event) -> state map replacing the original's
// declarative state-machine callbacks. Guards and side effects live in the
// Service; this table answers only structural legality.
var table = map[Event]transition{
	EventSendForSignature:         {from: states(StateDraft), to: StateAwaitingSellerSignature},
	EventSellerSigns:              {from: states(StateAwaitingSellerSignature), to: StateAwaitingBuyerSignature},
	EventBuyerSigns:               {from: states(StateAwaitingBuyerSignature), to: StateAwaitingFunding},
	EventCancelSignature:          {from: states(StateAwaitingSellerSignature, StateAwaitingBuyerSignature), to: StateDraft},
	EventSignatureDeadlineExpired: {from: states(StateAwaitingSellerSignature, StateAwaitingBuyerSignature), to: StateSignatureDeadlineMissed},
	EventRetrySignature:           {from: states(StateSignatureDeadlineMissed), to: StateDraft},
	EventMarkFunded:               {from: states(StateAwaitingFunding), to: StateFunded},
	EventMarkShipped:              {from: states(StateFunded), to: StateShipped},
	EventMarkDelivered:            {from: states(StateShipped), to: StateDeliveredPendingConfirm},
	EventConfirmReceipt:           {from: states(StateDeliveredPendingConfirm), to: StateInspection},
	EventAutoConfirmReceipt:       {from: states(StateDeliveredPendingConfirm), to: StateInspection},
	EventAccept:                   {from: states(StateInspection), to: StateAccepted},
	EventReject:                   {from: states(StateInspection), to: StateRejected},
	EventRelease:                  {from: states(StateAccepted), to: StateReleased},
	EventMarkReturnShipped:        {from: states(StateRejected), to: StateReturnInTransit},
	EventMarkReturnDelivered:      {from: states(StateReturnInTransit), to: StateReturnDeliveredPendingCfm},
	EventConfirmReturnReceipt:     {from: states(StateReturnDeliveredPendingCfm), to: StateReturnInspection},
	EventAcceptReturn:             {from: states(StateReturnInspection), to: StateReturned},
	EventRejectReturn:             {from: states(StateReturnInspection), to: StateDisputed},
	EventRefund:                   {from: states(StateReturned), to: StateRefunded},
	EventOpenDispute:              {from: disputableStates(), to: StateDisputed},
	EventResolveWithRelease:       {from: states(StateDisputed), to: StateResolvedRelease},
	EventResolveWithRefund:        {from: states(StateDisputed), to: StateResolvedRefund},
	EventResolveWithSplit:         {from: states(StateDisputed), to: StateResolvedSplit},
}

// disputableStates is every non-terminal state with something at stake:
// all but draft and disputed itself.
func disputableStates() map[State]bool {
	all := []State{
		StateAwaitingSellerSignature, StateAwaitingBuyerSignature,
		StateSignatureDeadlineMissed, StateAwaitingFunding, StateFunded,
		StateShipped, StateDeliveredPendingConfirm, StateInspection,
		StateAccepted, StateRejected, StateReturnInTransit,
		StateReturnDeliveredPendingCfm, StateReturnInspection, StateReturned,
	}
	return states(all...)
}

// Allowed reports whether event is legal from state.
func Allowed(s State, e Event) bool {
	t, ok := table[e]
	return ok && t.from[s]
}

// Next resolves the target state for event from state, or a guard violation.
func Next(s State, e Event) (State, error) {
	t, ok := table[e]
	if !ok {
		return "", fmt.Errorf("%w: unknown event %q", ErrGuardViolation, e)
	}
	if !t.from[s] {
		return "", fmt.Errorf("%w: %s from %s", ErrGuardViolation, e, s)
	}
	return t.to, nil
}
