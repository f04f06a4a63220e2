// Package agent implements the device side of module identity provisioning.
//
// A module never sees its own key. It asks the authority to create a user
// for it in the identity provider, waits until its document reports the
// identity as created, and then derives the same password the authority
// derived, by having the workload signer compute the HMAC of its username.
// The credential is finally exchanged for an access token.
//
// # Key Components
//
//   - Agent: Holds the latest view of the module's document, the derived
//     credential and the last token
//   - Transport: Connection to the hub, used to send operation requests and
//     to read and watch the document
//   - TokenExchanger: Turns the credential into a token. CredentialOnly hands
//     the credential out as is, PasswordGrantExchanger runs an OAuth2
//     resource owner password grant
//
// # Obtaining a Token
//
// When ObtainToken is called:
//
//  1. If the document already reports IdentityCreated, no request is sent
//     and the agent goes straight to step 4
//  2. Otherwise a CreateIdentity operation request is sent and the agent
//     moves to StateAwaitingCreation
//  3. The document view is polled every PollInterval, for at most
//     WaitTimeout
//  4. The credential is derived (once per agent) and exchanged for a token,
//     and the agent moves to StateReady
//
// When the wait runs out, a *NotReadyError reports the last status seen.
//
// The document view is fed by the twin subscription through ApplyTwin and
// ApplyDesired and swapped atomically, so polling never blocks the
// subscription. RequestRefresh sends a RefreshIdentity request and drops the
// cached credential and token.
//
// # Running in a Module
//
// Run wraps this in the long-running loop of a module process: an initial
// twin read, a twin watch that keeps the view current, and ObtainToken
// retries every RetryInterval until a token is held.
//
// # Usage Example
//
//	hub, err := instanceutils.NewHubClient(hubURL, ref, nil, logger)
//	if err != nil {
//		return err
//	}
//	signer, err := instanceutils.NewWorkloadClient(env.WorkloadURI, env.ModuleID)
//	if err != nil {
//		return err
//	}
//
//	a, err := agent.New(ref, agent.DefaultConfig(), hub, signer, nil, logger)
//	if err != nil {
//		return err
//	}
//	go a.Run(ctx)
package agent
