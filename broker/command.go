package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/golang-io/edgemq/auth"
	"github.com/golang-io/edgemq/config"
	"github.com/golang-io/edgemq/session"
)

// commandTopicPrefix namespaces the sidecar control plane: any PUBLISH
// landing here is a command for the broker itself, not an application
// message for ordinary fan-out (spec.md §6 "Sidecar control topics").
const commandTopicPrefix = "$edgehub/"

const (
	topicAuthorizedIdentities = commandTopicPrefix + "authorized_identities"
	topicPolicyUpdate         = commandTopicPrefix + "policy_update"
	topicDisconnect           = commandTopicPrefix + "disconnect"
	topicBridgeUpdate         = commandTopicPrefix + "bridge_update"

	// TopicDelivered is where the $edgehub/delivered publish-confirmation
	// pipeline reports completed deliveries (spec.md §6, §9 Open
	// Question resolution).
	TopicDelivered = commandTopicPrefix + "delivered"
)

// IsCommandTopic reports whether t belongs to the sidecar control-plane
// namespace and should be routed to the CommandHandler instead of the
// ordinary subscriber trie.
func IsCommandTopic(t string) bool { return strings.HasPrefix(t, commandTopicPrefix) }

// BridgeReconciler is the subset of bridge.Controller the CommandHandler
// needs, named here to avoid broker importing the bridge package for a
// single method.
type BridgeReconciler interface {
	Reconcile(ctx context.Context, cfgs []config.Bridge)
}

// CommandHandler reacts to publications on the sidecar control-plane
// namespace, the same "read a retained/streamed control message, mutate
// shared state under a lock" idiom as the teacher's federated.go mux
// (/list, /send, /ping), adapted from HTTP routes to MQTT topics on the
// loopback system listener (spec.md §6 "Sidecar control topics").
type CommandHandler struct {
	broker  *Broker
	dyn     *auth.Dynamic
	bridges BridgeReconciler

	deliveryPattern *regexp.Regexp
}

// NewCommandHandler builds a CommandHandler bound to b. dyn and bridges
// may be nil, disabling the $edgehub/authorized_identities and
// $edgehub/bridge_update commands respectively. deliveryPattern, if
// non-empty, is the regular expression of topics whose PUBACK/PUBCOMP
// completion should be reported on TopicDelivered
// (config key deliveryConfirmation.pattern, spec.md §6).
func NewCommandHandler(b *Broker, dyn *auth.Dynamic, bridges BridgeReconciler, deliveryPattern string) (*CommandHandler, error) {
	h := &CommandHandler{broker: b, dyn: dyn, bridges: bridges}
	if deliveryPattern != "" {
		re, err := regexp.Compile(deliveryPattern)
		if err != nil {
			return nil, fmt.Errorf("broker: delivery_confirmation.pattern: %w", err)
		}
		h.deliveryPattern = re
	}
	return h, nil
}

// Handle dispatches one $edgehub/... publication. It runs on the
// broker's own goroutine (called from handlePublish), so it may call the
// broker's unexported methods directly without an event round trip.
func (h *CommandHandler) Handle(topic string, payload []byte) {
	switch topic {
	case topicAuthorizedIdentities:
		h.handleAuthorizedIdentities(payload)
	case topicPolicyUpdate:
		h.broker.reauthorize()
	case topicDisconnect:
		h.handleDisconnect(payload)
	case topicBridgeUpdate:
		h.handleBridgeUpdate(payload)
	default:
		log.WithField("topic", topic).Warn("broker: unrecognized sidecar command topic")
	}
}

func (h *CommandHandler) handleAuthorizedIdentities(payload []byte) {
	if h.dyn == nil {
		log.Warn("broker: authorized_identities received but no dynamic authorizer is configured")
		return
	}
	var ids []string
	if err := json.Unmarshal(payload, &ids); err != nil {
		log.WithError(err).Warn("broker: malformed authorized_identities payload")
		return
	}
	h.dyn.SetIdentities(ids)
	h.broker.reauthorize()
}

type disconnectCommand struct {
	ClientID string `json:"clientId"`
}

func (h *CommandHandler) handleDisconnect(payload []byte) {
	var cmd disconnectCommand
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.ClientID == "" {
		log.WithError(err).Warn("broker: malformed disconnect payload")
		return
	}
	h.broker.handleCloseSession(cmd.ClientID)
}

func (h *CommandHandler) handleBridgeUpdate(payload []byte) {
	if h.bridges == nil {
		log.Warn("broker: bridge_update received but no bridge controller is configured")
		return
	}
	var cfgs []config.Bridge
	if err := json.Unmarshal(payload, &cfgs); err != nil {
		log.WithError(err).Warn("broker: malformed bridge_update payload")
		return
	}
	h.bridges.Reconcile(context.Background(), cfgs)
}

// deliveryConfirmed publishes a TopicDelivered notification for pub if
// its topic matches the configured delivery_confirmation pattern
// (spec.md §9 Open Question: "$edgehub/delivered publish-confirmation
// pipeline").
func (h *CommandHandler) deliveryConfirmed(pub session.Publication) {
	if h.deliveryPattern == nil || !h.deliveryPattern.MatchString(pub.Topic) {
		return
	}
	body, err := json.Marshal(struct {
		Topic  string `json:"topic"`
		Sender string `json:"sender"`
	}{Topic: pub.Topic, Sender: pub.Sender})
	if err != nil {
		return
	}
	h.broker.publish(session.Publication{Topic: TopicDelivered, Payload: body})
}
