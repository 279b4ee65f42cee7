// Package events defines the closed set of pipeline topics and their payloads.
//
// Each topic has exactly one payload struct; Decode dispatches on the topic
// and rejects anything outside the set, so a handler receiving an Event can
// switch on the concrete payload type without guessing field shapes.
package events
