/*Package device implements the device side of the hub: connecting as a device and sending
device-to-cloud telemetry

A device authenticates with exactly one of

	SymmetricKey(deviceID, key)   a shared access signature signed with the device key
	X509(deviceID, credential)    a TLS client certificate

and talks to the hub over one of two transports:

	mqtt    ssl://{host}:8883, client id {deviceID}, username {host}/{deviceID}/?api-version=2021-04-12,
	        telemetry is published with QoS 1 to devices/{deviceID}/messages/events/
	https   POST https://{host}/devices/{deviceID}/messages/events?api-version=2021-04-12

Dialer implements the Connector interface for both transports.
*/
package device
