/*Package certs loads and generates the X.509 material of devices

A device authenticating with certificates needs two files per certificate: the public
certificate (.crt, PEM or DER) whose SHA-1 thumbprint is registered with the hub, and the
credential (.pfx, PKCS#12 with the private key) used for the TLS handshake.

Two pairs are bundled with the package:

	primary-embedded.crt    primary-embedded.pfx
	secondary-embedded.crt  secondary-embedded.pfx

The bundled credentials have an empty password. New pairs can be created with Generate and
written with EncodePEM and EncodePFX, see tools/gencert.
*/
package certs
