// Package relay converts badge events into door commands.
//
// A reader publishes a badge scan on iot/badgeuse/{id}/events. The relay
// drops rejected scans (success=false), routes the rest to a door (explicit
// doorID, then the static door map, then the reader's registered door),
// debounces per door and publishes the configured open action on the door's
// command topic. When auto-close is enabled, a one-shot timer publishes
// "close" afterwards; a new trigger replaces the pending timer, and
// generation numbers stop a superseded timer from firing.
//
// Doors also accept direct commands on their own command topic and HTTP
// surface; those never pass through the relay and are not debounced.
package relay
