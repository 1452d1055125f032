package server

import "github.com/prometheus/client_golang/prometheus"

type promMetrics struct {
	stunMessages   prometheus.Counter
	turnMessages   prometheus.Counter
	channelFrames  prometheus.Counter
	deniedMessages prometheus.Counter
}

func newPromMetrics(labels prometheus.Labels) *promMetrics {
	return &promMetrics{
		stunMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relayd_stun_messages_total",
			Help:        "STUN messages received, excluding those filtered by client rules.",
			ConstLabels: labels,
		}),
		turnMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relayd_turn_messages_total",
			Help:        "TURN requests and indications received.",
			ConstLabels: labels,
		}),
		channelFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relayd_channel_data_frames_total",
			Help:        "ChannelData frames received.",
			ConstLabels: labels,
		}),
		deniedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "relayd_denied_messages_total",
			Help:        "Messages dropped because their source address failed the client filter.",
			ConstLabels: labels,
		}),
	}
}

func (m *promMetrics) Describe(d chan<- *prometheus.Desc) {
	d <- m.stunMessages.Desc()
	d <- m.turnMessages.Desc()
	d <- m.channelFrames.Desc()
	d <- m.deniedMessages.Desc()
}

func (m *promMetrics) Collect(c chan<- prometheus.Metric) {
	m.stunMessages.Collect(c)
	m.turnMessages.Collect(c)
	m.channelFrames.Collect(c)
	m.deniedMessages.Collect(c)
}

func (m *promMetrics) incSTUNMessages()   { m.stunMessages.Inc() }
func (m *promMetrics) incTURNMessages()   { m.turnMessages.Inc() }
func (m *promMetrics) incChannelFrames()  { m.channelFrames.Inc() }
func (m *promMetrics) incDeniedMessages() { m.deniedMessages.Inc() }
