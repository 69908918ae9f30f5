// Package main (cmd/vaultadmin) is the command line client for group vault
// administrators.
//
// Commands:
//
//	generate-admin         - Generate an administrator key pair
//	generate-group-config  - Print a quorum.groups config block for the server
//	status                 - Show whether a group is unlocked and who approved
//	request-unlock         - Open an unlock request (counts as your approval)
//	approve                - Approve an open request
//	cancel                 - Withdraw a pending request
//	lock                   - Lock the group vault
//	session-key            - Decrypt your copy of the session key once unlocked
//	read, write            - Access the group vault with a session key
//
// Example workflow for a 2-of-3 group:
//
//  1. Each administrator generates a key pair:
//     vaultadmin generate-admin --admin-privkey-file=x.pem --admin-pubkey-file=x.pub
//
//  2. Build the server configuration:
//     vaultadmin generate-group-config --group=ops --threshold=2 x:x@example.com:x.pub y:y@example.com:y.pub z:z@example.com:z.pub
//
//  3. One administrator requests the unlock, a second approves:
//     vaultadmin request-unlock --user=x --group=ops --reason="rotate credentials"
//     vaultadmin approve --user=y --request=<id>
//
//  4. Any administrator with a registered key fetches the session key and reads:
//     vaultadmin session-key --user=x --group=ops --admin-privkey-file=x.pem
//     vaultadmin read --user=x --group=ops --session-key=<key>
package main
