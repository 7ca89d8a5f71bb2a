/*Package registry describes device identities of an IoT hub and how to manage them

A device record holds exactly one kind of authentication: a pair of symmetric keys or a
pair of X.509 thumbprints. The kind is fixed when the record is created.

The Registry interface is the complete contract the provisioning workflows depend on:

	CreateDevice(ctx, device)  -> CreateResult (Created or Conflict)
	GetDevice(ctx, id)         -> Device
	ListDevices(ctx, limit)    -> []Device
	RemoveDevices(ctx, list)   -> error

Client implements the interface against the hub's REST API. The api is addressed as

	PUT  https://{host}/devices/{id}?api-version=2021-04-12
	GET  https://{host}/devices/{id}?api-version=2021-04-12
	GET  https://{host}/devices?top={n}&api-version=2021-04-12
	POST https://{host}/devices?api-version=2021-04-12   (bulk operations)

and authorized with a shared access signature of the service policy.

A PUT without If-Match only creates; for an existing id the hub answers 409 Conflict with
error code DeviceAlreadyExists, which the client maps onto a Conflict result.
*/
package registry
