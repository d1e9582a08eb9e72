// Package proc is the process control core of the debugger. It provides
// the primitives to launch, attach to, resume, halt and destroy a target
// process, orders state-change notifications between a process's private
// control thread and public consumers, and arbitrates concurrent access to
// process state through a run lock. OS- and protocol-specific backends
// plug in underneath through the Backend contract.
package proc
