package sshmux

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"golang.org/x/crypto/ssh"
)

var _ = Describe("Authentication", func() {

	Context("PasswordAuth", func() {

		It("should accept the configured password only", func() {
			auth := PasswordAuth("secret")
			_, err := auth.Authenticate(Credential{User: "u", Password: []byte("secret")})
			Expect(err).To(Not(HaveOccurred()))
			_, err = auth.Authenticate(Credential{User: "u", Password: []byte("nope")})
			Expect(err).To(HaveOccurred())
		})

		It("should refuse public key offers", func() {
			_, err := PasswordAuth("secret").Authenticate(Credential{User: "u", PublicKey: newHostKey().PublicKey()})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("AuthorizedKeysAuth", func() {
		var (
			known   ssh.Signer
			unknown ssh.Signer
			auth    AuthDelegate
		)

		BeforeEach(func() {
			known = newHostKey()
			unknown = newHostKey()
			var err error
			auth, err = AuthorizedKeysAuth(ssh.MarshalAuthorizedKey(known.PublicKey()))
			Expect(err).To(Not(HaveOccurred()))
		})

		It("should accept listed keys and record their fingerprint", func() {
			perms, err := auth.Authenticate(Credential{User: "u", PublicKey: known.PublicKey()})
			Expect(err).To(Not(HaveOccurred()))
			Expect(perms.Extensions).To(HaveKeyWithValue("pubkey-fp", ssh.FingerprintSHA256(known.PublicKey())))
		})

		It("should refuse unlisted keys and passwords", func() {
			_, err := auth.Authenticate(Credential{User: "u", PublicKey: unknown.PublicKey()})
			Expect(err).To(HaveOccurred())
			_, err = auth.Authenticate(Credential{User: "u", Password: []byte("x")})
			Expect(err).To(HaveOccurred())
		})

		It("should fail on a malformed file", func() {
			_, err := AuthorizedKeysAuth([]byte("not a key\n"))
			Expect(err).To(HaveOccurred())
		})
	})

	Context("ChainAuth", func() {

		It("should accept when any delegate accepts", func() {
			key := newHostKey()
			keys, err := AuthorizedKeysAuth(ssh.MarshalAuthorizedKey(key.PublicKey()))
			Expect(err).To(Not(HaveOccurred()))
			auth := ChainAuth(PasswordAuth("secret"), keys)

			_, err = auth.Authenticate(Credential{Password: []byte("secret")})
			Expect(err).To(Not(HaveOccurred()))
			_, err = auth.Authenticate(Credential{PublicKey: key.PublicKey()})
			Expect(err).To(Not(HaveOccurred()))
			_, err = auth.Authenticate(Credential{Password: []byte("wrong")})
			Expect(err).To(HaveOccurred())
		})

		It("should deny when empty", func() {
			_, err := ChainAuth().Authenticate(Credential{Password: []byte("x")})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("host key validators", func() {

		It("should match trusted keys and fingerprints", func() {
			key := newHostKey().PublicKey()
			other := newHostKey().PublicKey()

			Expect(TrustedKeys(key).ValidateHostKey("h", nil, key)).To(Succeed())
			Expect(TrustedKeys(key).ValidateHostKey("h", nil, other)).To(MatchError(errHostKeyMismatch))

			fp := ssh.FingerprintSHA256(key)
			Expect(Fingerprint(fp).ValidateHostKey("h", nil, key)).To(Succeed())
			Expect(Fingerprint(fp).ValidateHostKey("h", nil, other)).To(HaveOccurred())
			Expect(AcceptAnything().ValidateHostKey("h", nil, other)).To(Succeed())
		})

		It("should record rejections", func() {
			var rejected bool
			cb := hostKeyCallback(TrustedKeys(), &rejected)
			Expect(cb("h", nil, newHostKey().PublicKey())).To(HaveOccurred())
			Expect(rejected).To(BeTrue())
		})
	})
})

var _ = Describe("ReconnectPolicy", func() {

	It("should never reconnect by default", func() {
		Expect(ReconnectNever.enabled()).To(BeFalse())
		Expect(ReconnectPolicy{}.enabled()).To(BeFalse())
	})

	It("should count attempts", func() {
		p := ReconnectWithBackoff(3, time.Millisecond, time.Second)
		Expect(p.enabled()).To(BeTrue())
		Expect(p.exhausted(2)).To(BeFalse())
		Expect(p.exhausted(3)).To(BeTrue())
	})

	It("should retry forever with a negative limit", func() {
		p := ReconnectWithBackoff(-1, time.Millisecond, time.Second)
		Expect(p.enabled()).To(BeTrue())
		Expect(p.exhausted(1 << 20)).To(BeFalse())
	})

	It("should grow the backoff up to the maximum", func() {
		p := ReconnectPolicy{MaxAttempts: 5, MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, Factor: 2}
		b := p.backoff()
		Expect(b.Duration()).To(Equal(10 * time.Millisecond))
		Expect(b.Duration()).To(Equal(20 * time.Millisecond))
		Expect(b.Duration()).To(Equal(40 * time.Millisecond))
		Expect(b.Duration()).To(Equal(40 * time.Millisecond))
	})
})
