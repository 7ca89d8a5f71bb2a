/*Package hub understands the credentials of an IoT hub

A hub is addressed with a connection string of the form

	HostName=<host>;SharedAccessKeyName=<policy>;SharedAccessKey=<base64 key>

Service-side tools use the policy name and key, devices use DeviceId and their own
SharedAccessKey. Requests are authorized with shared access signatures derived from
those keys:

	SharedAccessSignature sr=<resource>&sig=<signature>&se=<expiry>&skn=<policy>

The signature is an HMAC-SHA256 over the URL-encoded resource URI and the expiry
in unix seconds, keyed with the base64-decoded shared access key.
*/
package hub
