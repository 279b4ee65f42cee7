// Command medpipe runs and inspects the study processing pipeline.
//
// `medpipe run` starts the daemon. `medpipe submit` hands files to intake and,
// with the in-memory bus, processes them in-process until each study reaches a
// terminal status. The remaining commands read the ledger, the daemon's status
// API, or its log file.
package main
