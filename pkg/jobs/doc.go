// Package jobs dispatches job requests to the domain handler for their type.
//
// The set of kinds is closed: cluster control, patching, resource manager
// (IORM), VM backup, elastic cell, key management, network info, SOP and JSON
// dispatch. A Registry must cover all of them, so a misconfigured handler set
// fails when the worker starts rather than when a job arrives; a request whose
// type is not a known kind fails with error 700.
//
// Production handlers are external appliance tools (CommandHandler). Handler
// status codes are opaque to the worker and only translated into the
// request's error columns by TranslateCode.
package jobs
