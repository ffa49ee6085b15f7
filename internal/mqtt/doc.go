// Package mqtt publishes btpeerd events to an MQTT broker.
//
// Topic hierarchy (prefix defaults to "btpeerd"):
//
//	<prefix>/status                  retained online/offline, also the last will
//	<prefix>/device/<id>/added       device entered the registry
//	<prefix>/device/<id>/removed     device left the registry
//	<prefix>/session/<sid>/state     session started or closed
//	<prefix>/session/<sid>/rx        data read on a session
//
// Payloads are JSON. Client wraps paho.mqtt.golang; Publisher adapts
// registry and session events onto it without blocking the caller.
package mqtt
