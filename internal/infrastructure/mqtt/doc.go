// Package mqtt mirrors the relay's broadcast events to an MQTT broker.
//
// Every event the relay broadcasts to WebSocket clients (DRIVER_READY,
// NODE_ADDED, NODE_STATUS_CHANGED, ...) is also published to
// {prefix}/events/{TYPE}. The relay keeps a retained status on
// {prefix}/system/status: "online" after connecting, "offline" on a clean
// shutdown, and the Last Will "offline" with reason unexpected_disconnect
// when the broker loses the connection.
//
// The mirror is publish-only. Commands still arrive over the WebSocket
// protocol.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishEvent("NODE_ADDED", payload)
package mqtt
