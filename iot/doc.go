/*Package iot groups the device provisioning packages

The demo program services/iotcerts adds a device to an IoT hub registry, either with
symmetric keys or with the thumbprints of two X.509 certificates, and then sends one
telemetry message as that device. The packages are

	hub        connection strings and shared access signatures
	registry   device records and the REST registry client
	certs      certificate loading, thumbprints and generation
	device     MQTT and HTTPS device transports
	provision  the add and delete workflows
	console    the interactive front end

For development without a cloud hub, services/hubemu runs the emulator (package emulator)
with its device records stored in postgres (package store).
*/
package iot
