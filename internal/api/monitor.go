package api

import (
	"github.com/nerrad567/gray-logic-access/internal/device"
	"github.com/nerrad567/gray-logic-access/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-access/internal/message"
)

// monitorQoS is the QoS of the monitoring subscriptions.
const monitorQoS = 1

// subscribeMonitoring forwards door states to the monitoring stream.
// Badge events come from the relay when one runs; otherwise the server
// subscribes to them itself so the stream still shows scans.
func (s *Server) subscribeMonitoring() error {
	if s.mqtt == nil {
		return nil
	}

	var topics mqtt.Topics
	subs := map[string]mqtt.MessageHandler{
		topics.AllDoorStates(): s.forwardDoorState,
	}
	if s.relay == nil {
		subs[topics.AllReaderEvents()] = s.forwardBadgeEvent
	}

	for topic, handler := range subs {
		if err := s.mqtt.Subscribe(topic, monitorQoS, handler); err != nil {
			return err
		}
		s.topics = append(s.topics, topic)
		s.logger.Info("monitoring subscribed", "topic", topic)
	}
	return nil
}

func (s *Server) unsubscribeMonitoring() {
	for _, topic := range s.topics {
		if err := s.mqtt.Unsubscribe(topic); err != nil {
			s.logger.Debug("monitoring unsubscribe failed", "topic", topic, "error", err)
		}
	}
	s.topics = nil
}

func (s *Server) forwardDoorState(topic string, payload []byte) error {
	st, err := message.DecodeDoorState(payload)
	if err != nil {
		s.logger.Debug("dropping malformed door state", "topic", topic, "error", err)
		return nil
	}
	if st.DoorID == "" {
		if dt, ok := mqtt.ParseDeviceTopic(topic); ok {
			st.DoorID = dt.DeviceID
		}
	}
	s.hub.Broadcast(message.EventDoorState, message.NewMonitorEvent(message.EventDoorState, st.DoorID, st))
	return nil
}

func (s *Server) forwardBadgeEvent(topic string, payload []byte) error {
	ev, err := message.DecodeBadgeEvent(topic, payload)
	if err != nil {
		s.logger.Debug("dropping malformed badge event", "topic", topic, "error", err)
		return nil
	}
	s.hub.Broadcast(message.EventBadge, message.NewMonitorEvent(message.EventBadge, ev.ReaderID, ev))
	return nil
}

// publishDeviceStatus is the registry observer.
func (s *Server) publishDeviceStatus(st device.Status) {
	s.hub.Broadcast(message.EventDevice, message.NewMonitorEvent(message.EventDevice, st.DeviceID, st))
}
