// Package session runs streaming generation turns.
//
// A Session pulls elements from a model.Stream, emits protocol events for
// every observable step, routes tool requests through a tool.Lane, and drives
// the persistence synchronizer so the durable record always matches what
// observers were told.
//
// # State machine
//
//	created → thinking → (invoking_tool ⇄ thinking)* → building → finalized
//
// Any state may move straight to finalized when the model stream fails, the
// session is canceled, or its timeout expires. Transitions are checked against
// a fixed table; an illegal move is reported as ErrInvalidTransition and the
// session finalizes with an error.
//
// # Finalization
//
// Finalization always follows the same order:
//
//  1. the final status is decided (success, error or canceled)
//  2. the record is written through persist.Synchronizer.Finalize
//  3. a failed write turns the status into error with detail
//     types.DetailPersistenceFailed
//  4. complete (success) or error (error) is emitted; canceled emits neither
//  5. finalized is emitted, always last
//
// # Manager
//
// The Manager owns every live session:
//
//	mgr := session.NewManager(session.Deps{...}, cfg)
//	id, err := mgr.Start(ctx, session.CreateRequest{ConversationScope: "c1", UserInput: "hello"})
//	<-mgr.Done(id)
//
// Sessions run on the manager's own context. A caller's context only bounds
// Start, so a client that disconnects never stops a turn; Cancel and Shutdown
// do.
package session
