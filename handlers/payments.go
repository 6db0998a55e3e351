// handlers/payments.go
package handlers

import (
	"errors"
	"log"

	"stocksco-payment-system/middleware"
	"stocksco-payment-system/models"
	"stocksco-payment-system/services"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// SetupPaymentRoutes wires the deposit, status and webhook surface. The IPN
// webhook is public (signature-authenticated); everything else requires the
// gateway's user context.
func SetupPaymentRoutes(app *fiber.App, payments *services.PaymentService, reconciliation *services.ReconciliationService, gateway *services.NOWPaymentsService) {
	group := app.Group("/dashboard/payments")

	// ============= Webhook / IPN =============
	// 200 on success or unknown payment (do not retry), 400 on a rejected
	// signature, 500 on a processing failure (the processor retries).
	group.Post("/webhook/ipn", func(c *fiber.Ctx) error {
		signature := c.Get("x-nowpayments-sig")
		if signature == "" {
			log.Printf("❌ Missing IPN signature from %s", c.IP())
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing signature"})
		}

		result, err := reconciliation.HandleIPN(c.UserContext(), c.Body(), signature)
		if err != nil {
			if errors.Is(err, services.ErrInvalidSignature) || errors.Is(err, services.ErrMalformedPayload) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
			}
			log.Printf("❌ IPN processing error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "callback processing failed"})
		}

		return c.JSON(fiber.Map{"success": true, "known": result.Known})
	})

	secured := group.Group("/", middleware.UserContextMiddleware())

	// ============= Deposit =============
	secured.Post("/deposit", func(c *fiber.Ctx) error {
		user, err := currentUser(c, payments)
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false, "error": "unknown user",
			})
		}

		var req services.DepositRequest
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"success": false, "error": "Invalid request body",
			})
		}

		log.Printf("Deposit request from user %d: amount=%s method=%s pay_currency=%s",
			user.ID, req.Amount.String(), req.PaymentMethod, req.PayCurrency)

		result, err := payments.CreateDeposit(c.UserContext(), user, req)
		if err != nil {
			var validationErr *services.ValidationError
			if errors.As(err, &validationErr) {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"success": false, "error": validationErr.Msg,
				})
			}
			var gatewayErr *services.GatewayError
			if errors.As(err, &gatewayErr) {
				log.Printf("❌ Deposit creation failed at processor: %v", gatewayErr)
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"success": false, "error": "Failed to create deposit. Please try again.",
				})
			}
			log.Printf("❌ Deposit creation error: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false, "error": "Failed to create deposit",
			})
		}

		return c.Status(fiber.StatusCreated).JSON(fiber.Map{
			"success": true,
			"deposit": result,
		})
	})

	// ============= Status =============
	secured.Get("/status/:orderID", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(uint)

		snapshot, err := payments.PaymentStatus(c.UserContext(), userID, c.Params("orderID"))
		if err != nil {
			if errors.Is(err, services.ErrPaymentNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"success": false, "error": "payment not found",
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false, "error": "failed to load payment",
			})
		}

		return c.JSON(fiber.Map{"success": true, "payment": snapshot})
	})

	secured.Get("/invoice/:invoiceID", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(uint)

		snapshot, err := payments.GetByInvoiceID(userID, c.Params("invoiceID"))
		if err != nil {
			if errors.Is(err, services.ErrPaymentNotFound) {
				return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
					"success": false, "error": "invoice not found",
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false, "error": "failed to load invoice",
			})
		}

		return c.JSON(fiber.Map{"success": true, "payment": snapshot})
	})

	secured.Get("/list", func(c *fiber.Ctx) error {
		userID := c.Locals("user_id").(uint)
		page := c.QueryInt("page", 1)
		perPage := c.QueryInt("per_page", 10)

		snapshots, total, err := payments.ListPayments(userID, page, perPage)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"success": false, "error": "failed to list payments",
			})
		}

		return c.JSON(fiber.Map{
			"success":  true,
			"payments": snapshots,
			"total":    total,
			"page":     page,
			"per_page": perPage,
		})
	})

	// ============= Success / Cancel =============
	// JSON acknowledgments; the frontend renders the pages.
	secured.Get("/success", func(c *fiber.Ctx) error {
		return paymentRedirectAck(c, payments, "Payment completed successfully!")
	})
	secured.Get("/cancel", func(c *fiber.Ctx) error {
		return paymentRedirectAck(c, payments, "Payment was cancelled.")
	})

	// ============= AJAX API =============
	secured.Get("/api/currencies", func(c *fiber.Ctx) error {
		currencies, err := gateway.GetAvailableCurrencies(c.UserContext())
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"success": true, "currencies": currencies})
	})

	secured.Post("/api/estimate", func(c *fiber.Ctx) error {
		var req struct {
			Amount       decimal.Decimal `json:"amount"`
			CurrencyFrom string          `json:"currency_from"`
			CurrencyTo   string          `json:"currency_to"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
		}

		estimate, err := gateway.GetEstimate(c.UserContext(), req.Amount, req.CurrencyFrom, req.CurrencyTo)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"success": true, "estimate": estimate})
	})

	secured.Get("/api/min-amount", func(c *fiber.Ctx) error {
		from := c.Query("currency_from", "usd")
		to := c.Query("currency_to")
		if to == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "currency_to is required"})
		}

		minAmount, err := gateway.GetMinimumPaymentAmount(c.UserContext(), from, to)
		if err != nil {
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
		}
		return c.JSON(fiber.Map{"success": true, "min_amount": minAmount})
	})
}

func currentUser(c *fiber.Ctx, payments *services.PaymentService) (*models.User, error) {
	userID := c.Locals("user_id").(uint)
	var user models.User
	if err := payments.DB.First(&user, userID).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func paymentRedirectAck(c *fiber.Ctx, payments *services.PaymentService, msg string) error {
	userID := c.Locals("user_id").(uint)
	orderID := c.Query("order_id")

	resp := fiber.Map{"success": true, "message": msg}
	if orderID != "" {
		if snapshot, err := payments.GetByOrderID(userID, orderID); err == nil {
			resp["payment"] = snapshot
		}
	}
	return c.JSON(resp)
}
