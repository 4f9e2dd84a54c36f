package routes

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/travigo/fleettrack/pkg/fanout"
	"github.com/travigo/fleettrack/pkg/model"
)

const identityLocal = "identity"

// Identity is the caller context established by the upstream gateway. It is trusted as is.
type Identity struct {
	DriverID  string
	CompanyID string
	UserType  fanout.Role
}

func (i *Identity) IsDriver() bool {
	return i.UserType == fanout.RoleDriver
}

func Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		identity := Identity{
			DriverID:  c.Get("X-Driver-Id"),
			CompanyID: c.Get("X-Company-Id"),
			UserType:  fanout.Role(c.Get("X-User-Type", string(fanout.RoleDriver))),
		}

		if identity.CompanyID == "" {
			c.SendStatus(fiber.StatusUnauthorized)
			return c.JSON(fiber.Map{
				"error": "X-Company-Id header is required",
			})
		}

		switch identity.UserType {
		case fanout.RoleDriver:
			if identity.DriverID == "" {
				c.SendStatus(fiber.StatusUnauthorized)
				return c.JSON(fiber.Map{
					"error": "X-Driver-Id header is required for drivers",
				})
			}
		case fanout.RoleDispatcher:
		default:
			c.SendStatus(fiber.StatusUnauthorized)
			return c.JSON(fiber.Map{
				"error": "X-User-Type must be driver or dispatcher",
			})
		}

		c.Locals(identityLocal, &identity)
		return c.Next()
	}
}

func getIdentity(c *fiber.Ctx) *Identity {
	identity, _ := c.Locals(identityLocal).(*Identity)
	if identity == nil {
		return &Identity{}
	}
	return identity
}

// canWriteFor reports whether the caller may write on behalf of driverID. Drivers only
// write for themselves. Dispatchers only write for drivers whose latest location
// belongs to their own company, so a write never moves a driver into another roster.
func canWriteFor(c *fiber.Ctx, deps *Dependencies, driverID string) (bool, error) {
	identity := getIdentity(c)
	if identity.IsDriver() {
		return identity.DriverID == driverID, nil
	}

	current, err := deps.Locations.CurrentLocation(c.UserContext(), driverID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return current.CompanyID == identity.CompanyID, nil
}

// companyScope resolves the company a read is scoped to. A requested company other
// than the caller's own is refused.
func companyScope(c *fiber.Ctx, requested string) (string, bool) {
	companyID := getIdentity(c).CompanyID
	return companyID, requested == "" || requested == companyID
}
