// Package ssh delivers converted files to a remote host over SFTP.
//
// A Sink implements engine.DeliverySink. It is selected by the
// executor.sftp section of the configuration:
//
//	executor:
//	  sftp:
//	    host: files.example.org
//	    user: preservo
//	    private_key_path: /etc/preservo/id_ed25519
//	    remote_root: /srv/deliveries
//
// Each delivery is written to <remote_root>/<plan id>/<destination>.
package ssh
