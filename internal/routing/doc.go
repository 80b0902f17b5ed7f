// Package routing is the operation surface of the conversation router.
//
// # Overview
//
// Service ties together the availability tracker, the least-loaded router,
// the queue manager and the notifier:
//
//	svc := routing.NewService(routing.Deps{
//	    Store:     s,
//	    Tracker:   tracker,
//	    Workloads: workloads,
//	    Router:    router,
//	    Queue:     queueManager,
//	    Notifier:  notifier,
//	})
//	res, err := svc.RouteConversation(ctx, conversationID)
//
// RouteConversation assigns to an agent when one is available and queues the
// conversation otherwise. The Dispatcher later drains queues as agents come
// online or free up.
//
// # Assignment
//
// Every ownership change is a conditional update in the store. A caller that
// loses a race gets ErrConflict rather than overwriting the winner.
//
// AssignConversationToAgent does not check capacity; it is the administrator
// override. RouteConversation and the dispatcher reserve a slot on the chosen
// agent and have the store reject the write if the agent filled up
// meanwhile.
//
// # Errors
//
// Errors wrap one of ErrNotFound, ErrConflict, ErrTransient, ErrInvalid,
// ErrNoAgentAvailable or ErrQueueEmpty. OutcomeOf reduces them to an Outcome
// for transports:
//
//	not found  -> 404
//	conflict   -> 409
//	transient  -> 503
//
// Notifications never affect the result of an operation.
package routing
