// Package mqtt provides the MQTT client used by shellpipe to expose the shell
// over a message bus and to publish statement completion events.
//
// The client manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS validation and a payload cap
//   - Subscriptions that are restored after a reconnect
//   - A retained status topic backed by a Last Will message
//
// # Topic Layout
//
// Every topic lives under shellpipe/{client_id}:
//
//	shellpipe/{client_id}/request/{request_id}   inbound statements
//	shellpipe/{client_id}/reply/{request_id}     results for a request
//	shellpipe/{client_id}/event/{kind}           completion events
//	shellpipe/{client_id}/status                 online/offline (retained)
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	topics := client.Topics()
//	err = client.Subscribe(topics.Requests(), 1, handle)
package mqtt
