// Package message defines the JSON bodies exchanged on the bus and
// normalizes them at the boundary.
//
// Devices in the field do not agree on key spellings: a badge id may arrive
// as badgeID, badge_id or tag_id, a door id as doorID or door_id, and either
// may sit at the top level or under "data". Decode functions accept every
// spelling and return one canonical struct, so the relay and the simulated
// devices never look at raw maps. Encode functions always write the
// canonical field names (badgeID, doorID, timestamp, action, data).
package message
